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

// Package fake provides test doubles with scriptable behaviors and call
// recording.
package fake

import (
	"context"
	"sync"

	"github.com/asynctaskflow/taskflow/pkg/providers/openrouter"
)

type completionOutcome struct {
	text string
	err  error
}

// ProviderClient is a scriptable openrouter.Client. Queued outcomes are
// consumed in order; once drained, every call succeeds with DefaultText.
type ProviderClient struct {
	mu sync.Mutex

	DefaultText   string
	queue         []completionOutcome
	calls         [][]openrouter.Message
	CreditsOutput openrouter.Credits
	CreditsError  error
}

func NewProviderClient() *ProviderClient {
	return &ProviderClient{DefaultText: "fake completion"}
}

// EnqueueText scripts the next call to succeed with text.
func (c *ProviderClient) EnqueueText(text string) *ProviderClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, completionOutcome{text: text})
	return c
}

// EnqueueError scripts the next call to fail.
func (c *ProviderClient) EnqueueError(err error) *ProviderClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, completionOutcome{err: err})
	return c
}

func (c *ProviderClient) ChatCompletion(_ context.Context, messages []openrouter.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, messages)
	if len(c.queue) == 0 {
		return c.DefaultText, nil
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	return next.text, next.err
}

func (c *ProviderClient) Credits(_ context.Context) (openrouter.Credits, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CreditsOutput, c.CreditsError
}

// CallCount reports how many completions were requested.
func (c *ProviderClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Calls returns the recorded message sets.
func (c *ProviderClient) Calls() [][]openrouter.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]openrouter.Message(nil), c.calls...)
}

// Reset clears scripted outcomes and recorded calls.
func (c *ProviderClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = nil
	c.calls = nil
}
