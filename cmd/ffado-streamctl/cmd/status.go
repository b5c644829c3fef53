/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/ffado/streamcore/cmd/ffado-streamctl/statusapi"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var statusAddr string

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://localhost:9200", "base URL of a running ffado-streamctl session's metrics server")
	RootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stream states of a running session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ConfigureVerbosity()
		return runStatus()
	},
}

func runStatus() error {
	s, err := statusapi.Fetch(statusAddr)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	fmt.Printf("sample rate: %d Hz, period size: %d frames\n", s.SampleRate, s.PeriodSize)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"stream", "direction", "channel", "state", "dropped cycles"})
	for _, st := range s.Streams {
		state := st.State
		switch st.State {
		case "running":
			state = color.GreenString(st.State)
		case "error":
			state = color.RedString(st.State)
		case "stopped", "created":
			state = color.YellowString(st.State)
		}
		table.Append([]string{
			st.Name,
			st.Direction,
			fmt.Sprintf("%d", st.Channel),
			state,
			fmt.Sprintf("%d", st.DroppedCycles),
		})
	}
	table.Render()
	return nil
}
