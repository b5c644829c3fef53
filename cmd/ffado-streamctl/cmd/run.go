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
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ffado/streamcore/bus"
	"github.com/ffado/streamcore/cmd/ffado-streamctl/session"
	"github.com/ffado/streamcore/cmd/ffado-streamctl/statusapi"
	"github.com/ffado/streamcore/config"
	"github.com/ffado/streamcore/watchdog"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	runConfigPath   string
	runMetricsAddr  string
	runWatchdogSecs int
)

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "path to session YAML config (required)")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "override config's metrics_addr")
	runCmd.Flags().IntVar(&runWatchdogSecs, "watchdog-interval", 5, "seconds between systemd watchdog pings")
	_ = runCmd.MarkFlagRequired("config")
	RootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a streaming session and run it until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ConfigureVerbosity()
		return runSession()
	},
}

func runSession() error {
	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return err
	}
	if runMetricsAddr != "" {
		cfg.MetricsAddr = runMetricsAddr
	}

	// No real 1394 hardware backend is wired into this module (spec.md
	// Non-goals: BusService is abstracted); the loopback keeps the CLI
	// runnable end to end against its own synthetic cycle timer.
	svc := bus.NewLoopback()

	sess, err := session.Build(cfg, svc)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", sess.Metrics().Handler())
	mux.Handle("/status", statusapi.Handler(sess.Status))
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	defer server.Close()
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("run: metrics server: %v", err)
		}
	}()

	sup := watchdog.NewSupervisor()
	isoMonitor := sup.Register(watchdog.StageIso, time.Second)
	ctrMonitor := sup.Register(watchdog.StageCTR, time.Second)

	sess.Clock().Start()
	defer sess.Clock().Stop()

	if err := sess.IsoManager().StartHandlers(-1); err != nil {
		return err
	}
	sess.IsoManager().Start()
	defer sess.IsoManager().Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sess.Manager().Start(ctx); err != nil {
		return err
	}
	if err := watchdog.NotifyReady(); err != nil {
		log.Warnf("run: %v", err)
	}

	stopWatchdog := make(chan struct{})
	go sup.Run(stopWatchdog, time.Duration(runWatchdogSecs)*time.Second)
	defer close(stopWatchdog)

	periodDuration := time.Duration(float64(cfg.PeriodSize) / float64(cfg.SampleRate) * float64(time.Second))
	ticker := time.NewTicker(periodDuration)
	defer ticker.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- sess.Manager().Run(ctx) }()

	for {
		select {
		case <-sig:
			log.Info("run: shutting down")
			cancel()
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			isoMonitor.Kick(time.Now())
			ctrMonitor.Kick(time.Now())
			sess.Manager().Signal()
			sess.RefreshMetrics()
		}
	}
}
