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

package streammgr

import (
	"fmt"

	"github.com/Knetic/govaluate"
	"github.com/eclesh/welford"
)

// DefaultEscalationFormula flags persistent xrun trouble once either the
// recent dropped-cycle spread or its mean crosses a threshold (spec.md 7:
// "Persistent xrun escalates to ShutdownNeeded").
const DefaultEscalationFormula = "stddev(dropped, 20) > 2 || mean(dropped, 20) > 0.5"

var escalationVariables = []string{"dropped", "jitter"}

func isEscalationVar(name string) bool {
	for _, v := range escalationVariables {
		if v == name {
			return true
		}
	}
	return false
}

func windowedStat(op func(*welford.Stats) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("wrong number of arguments: want 2, got %d", len(args))
		}
		vals, ok := args[0].([]float64)
		if !ok {
			return nil, fmt.Errorf("first argument must be a sample list")
		}
		n, ok := args[1].(float64)
		if !ok {
			return nil, fmt.Errorf("second argument must be a window size")
		}
		window := int(n)
		if window > len(vals) {
			window = len(vals)
		}
		s := welford.New()
		for _, v := range vals[len(vals)-window:] {
			s.Add(v)
		}
		return op(s), nil
	}
}

var escalationFunctions = map[string]govaluate.ExpressionFunction{
	"mean":     windowedStat((*welford.Stats).Mean),
	"variance": windowedStat((*welford.Stats).Variance),
	"stddev":   windowedStat((*welford.Stats).Stddev),
}

// Escalator decides when repeated xruns stop being "transient" and become
// ShutdownNeeded (spec.md 7), via an operator-tunable govaluate formula over
// running dropped-cycle and jitter history — the same mean/variance/stddev
// windowing idiom as fbclock/daemon's M/W expressions, built on welford.
type Escalator struct {
	expr    *govaluate.EvaluableExpression
	dropped []float64
	jitter  []float64
}

// NewEscalator parses formula (DefaultEscalationFormula if empty) and
// rejects any variable it doesn't recognize.
func NewEscalator(formula string) (*Escalator, error) {
	if formula == "" {
		formula = DefaultEscalationFormula
	}
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(formula, escalationFunctions)
	if err != nil {
		return nil, fmt.Errorf("streammgr: parse escalation formula %q: %w", formula, err)
	}
	for _, v := range expr.Vars() {
		if !isEscalationVar(v) {
			return nil, fmt.Errorf("streammgr: unsupported escalation variable %q", v)
		}
	}
	return &Escalator{expr: expr}, nil
}

// Observe records one xrun's dropped-cycle count and the jitter (in ticks)
// of the period boundary that produced it, keeping at most maxHistory
// samples of each.
func (e *Escalator) Observe(dropped int, jitterTicks float64, maxHistory int) {
	e.dropped = append(e.dropped, float64(dropped))
	e.jitter = append(e.jitter, jitterTicks)
	if len(e.dropped) > maxHistory {
		e.dropped = e.dropped[len(e.dropped)-maxHistory:]
	}
	if len(e.jitter) > maxHistory {
		e.jitter = e.jitter[len(e.jitter)-maxHistory:]
	}
}

// ShouldEscalate evaluates the formula against the current history.
func (e *Escalator) ShouldEscalate() (bool, error) {
	if len(e.dropped) == 0 {
		return false, nil
	}
	result, err := e.expr.Evaluate(map[string]interface{}{
		"dropped": e.dropped,
		"jitter":  e.jitter,
	})
	if err != nil {
		return false, fmt.Errorf("streammgr: evaluate escalation formula: %w", err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("streammgr: escalation formula must evaluate to bool, got %T", result)
	}
	return b, nil
}
