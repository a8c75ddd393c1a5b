/*
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

package handlers

import (
	"context"

	"github.com/asynctaskflow/taskflow/pkg/prompts"
	"github.com/asynctaskflow/taskflow/pkg/providers/openrouter"
	"github.com/asynctaskflow/taskflow/pkg/tasks"
)

// Summarize renders the summarize prompt around the task content and makes
// a single provider call.
type Summarize struct {
	client  openrouter.Client
	prompts *prompts.Store
}

func NewSummarize(client openrouter.Client, promptStore *prompts.Store) *Summarize {
	return &Summarize{client: client, prompts: promptStore}
}

func (s *Summarize) Kind() tasks.Kind {
	return tasks.KindSummarize
}

func (s *Summarize) Handle(ctx context.Context, task *tasks.Task) (string, error) {
	prompt, err := s.prompts.Render("summarize", prompts.Vars{Content: task.Content})
	if err != nil {
		return "", err
	}
	return s.client.ChatCompletion(ctx, []openrouter.Message{
		{Role: "system", Content: prompt.System},
		{Role: "user", Content: prompt.User},
	})
}
