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
	"context"
	"time"

	"github.com/tombee/flowline/internal/templates"
	"github.com/tombee/flowline/pkg/errors"
	"github.com/tombee/flowline/pkg/workflow"
)

// sampleTemplate is the embedded pipeline seeded on first start so a
// fresh install has something to execute.
const sampleTemplate = "sample-etl"

// seedSampleWorkflow inserts the sample pipeline unless a workflow with
// its id already exists. Failures are logged, never surfaced.
func (e *Engine) seedSampleWorkflow() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := templates.Load(sampleTemplate)
	if err != nil {
		e.logger.Error("sample template missing", "error", err)
		return
	}
	def, err := workflow.ParseDefinition(data)
	if err != nil {
		e.logger.Error("sample workflow does not parse", "error", err)
		return
	}

	if _, err := e.repo.GetWorkflow(ctx, def.ID, 0); err == nil {
		return // already present
	} else if !errors.IsNotFound(err) {
		e.logger.Warn("could not check for sample workflow", "error", err)
		return
	}

	if err := e.repo.SaveWorkflow(ctx, def); err != nil {
		e.logger.Warn("failed to seed sample workflow", "error", err)
		return
	}
	e.logger.Info("seeded sample workflow", "workflow", def.ID)
}
