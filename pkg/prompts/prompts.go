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

// Package prompts renders the provider prompt templates. Built-in defaults
// ship compiled in; an optional TOML file overrides them and is hot-reloaded
// on change so prompt tuning does not need a rollout.
package prompts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"text/template"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"

	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
)

// Vars are the values a template may interpolate.
type Vars struct {
	Content  string
	Filename string
	Page     int
}

// Prompt is a rendered system/user pair ready for the provider.
type Prompt struct {
	System string
	User   string
}

type promptConfig struct {
	System string `toml:"system"`
	User   string `toml:"user"`
}

type fileConfig struct {
	Summarize  promptConfig `toml:"summarize"`
	PDFExtract promptConfig `toml:"pdf_extract"`
}

var defaults = fileConfig{
	Summarize: promptConfig{
		System: "You are a precise summarization assistant. Produce a concise summary that preserves the key facts, names, dates and figures of the input.",
		User:   "Summarize the following text:\n\n{{.Content}}",
	},
	PDFExtract: promptConfig{
		System: "You are a document extraction assistant. Transcribe all visible text from the page image exactly, preserving reading order. Output plain text only.",
		User:   "Extract the text from page {{.Page}} of {{.Filename}}.",
	},
}

type compiled struct {
	system *template.Template
	user   *template.Template
}

// Store holds the compiled templates behind a lock so a reload swaps them
// atomically under concurrent renders.
type Store struct {
	mu        sync.RWMutex
	templates map[string]compiled
	path      string
}

// NewStore compiles the defaults, then the override file when one is
// configured. A missing override file is not an error; a malformed one is,
// at construction time only (reloads keep the previous set instead).
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	config := defaults
	if s.path != "" {
		raw, err := os.ReadFile(s.path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return fmt.Errorf("reading prompts file, %w", err)
		default:
			var override fileConfig
			if err := toml.Unmarshal(raw, &override); err != nil {
				return fmt.Errorf("parsing prompts file, %w", err)
			}
			merge(&config.Summarize, override.Summarize)
			merge(&config.PDFExtract, override.PDFExtract)
		}
	}
	templates := map[string]compiled{}
	for name, prompt := range map[string]promptConfig{
		"summarize":   config.Summarize,
		"pdf_extract": config.PDFExtract,
	} {
		entry, err := compile(name, prompt)
		if err != nil {
			return err
		}
		templates[name] = entry
	}
	s.mu.Lock()
	s.templates = templates
	s.mu.Unlock()
	return nil
}

func merge(dst *promptConfig, src promptConfig) {
	if src.System != "" {
		dst.System = src.System
	}
	if src.User != "" {
		dst.User = src.User
	}
}

func compile(name string, prompt promptConfig) (compiled, error) {
	system, err := template.New(name + ".system").Parse(prompt.System)
	if err != nil {
		return compiled{}, fmt.Errorf("compiling %s system template, %w", name, err)
	}
	user, err := template.New(name + ".user").Parse(prompt.User)
	if err != nil {
		return compiled{}, fmt.Errorf("compiling %s user template, %w", name, err)
	}
	return compiled{system: system, user: user}, nil
}

// Render produces the prompt pair for the named template.
func (s *Store) Render(name string, vars Vars) (Prompt, error) {
	s.mu.RLock()
	entry, ok := s.templates[name]
	s.mu.RUnlock()
	if !ok {
		return Prompt{}, fmt.Errorf("unknown prompt template %q", name)
	}
	var system, user bytes.Buffer
	if err := entry.system.Execute(&system, vars); err != nil {
		return Prompt{}, fmt.Errorf("rendering %s system prompt, %w", name, err)
	}
	if err := entry.user.Execute(&user, vars); err != nil {
		return Prompt{}, fmt.Errorf("rendering %s user prompt, %w", name, err)
	}
	return Prompt{System: system.String(), User: user.String()}, nil
}

// Watch reloads the override file on write or rename until the context ends.
// Editors replace files rather than writing in place, so the watch is on the
// parent directory. A reload that fails keeps the running templates.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating prompts watcher, %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watching prompts directory, %w", err)
	}
	logger := logging.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.load(); err != nil {
				logger.Errorf("reloading prompts, keeping previous set, %v", err)
				continue
			}
			logger.Infof("reloaded prompt templates from %s", s.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Debugf("prompts watcher, %v", err)
		}
	}
}
