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

package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowline/pkg/workflow"
)

func TestListFindsEmbeddedTemplates(t *testing.T) {
	list, err := List()
	require.NoError(t, err)
	require.NotEmpty(t, list)

	names := make([]string, 0, len(list))
	for _, tpl := range list {
		names = append(names, tpl.Name)
		assert.NotEmpty(t, tpl.Description, "template %s has no description", tpl.Name)
	}
	assert.Contains(t, names, "sample-etl")
	assert.Contains(t, names, "http-sync")
}

func TestEveryTemplateParsesAndValidates(t *testing.T) {
	list, err := List()
	require.NoError(t, err)

	for _, tpl := range list {
		data, err := Load(tpl.Name)
		require.NoError(t, err, "template %s", tpl.Name)

		def, err := workflow.ParseDefinition(data)
		require.NoError(t, err, "template %s", tpl.Name)
		assert.Equal(t, tpl.Name, def.ID)
		assert.NotEmpty(t, def.Steps)
	}
}

func TestLoadUnknownTemplate(t *testing.T) {
	_, err := Load("no-such-template")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown template")
}
