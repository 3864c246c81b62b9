// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"github.com/tombee/flowline/pkg/workflow"
)

// Progress classifies the scheduler's view of one execution.
type Progress int

const (
	// ProgressReady means at least one step can be launched now.
	ProgressReady Progress = iota
	// ProgressWait means no step is launchable but work is in flight.
	ProgressWait
	// ProgressDone means no step is launchable and nothing is in flight.
	// Steps may remain NotStarted when their dependencies can never be
	// satisfied; the engine classifies the terminal status.
	ProgressDone
)

// Assess is a pure function over DAG state: it returns the set of steps
// whose status is NotStarted and whose every dependency reached
// Completed or Skipped, plus the progress classification.
//
// Within one ready batch no ordering is guaranteed; across batches the
// only guarantee is the dependsOn partial order.
func Assess(def *workflow.Definition, exec *workflow.Execution) ([]*workflow.Step, Progress) {
	statuses := make(map[string]workflow.StepStatus, len(exec.Steps))
	for _, se := range exec.Steps {
		statuses[se.StepID] = se.Status
	}

	var ready []*workflow.Step
	inFlight := false
	for i := range def.Steps {
		step := &def.Steps[i]
		switch statuses[step.ID] {
		case workflow.StepStatusRunning, workflow.StepStatusWaiting:
			inFlight = true
			continue
		case workflow.StepStatusNotStarted:
		default:
			continue
		}

		satisfied := true
		for _, dep := range step.DependsOn {
			if !statuses[dep].SatisfiesDependency() {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, step)
		}
	}

	switch {
	case len(ready) > 0:
		return ready, ProgressReady
	case inFlight:
		return nil, ProgressWait
	default:
		return nil, ProgressDone
	}
}
