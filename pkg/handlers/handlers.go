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

// Package handlers maps task kinds to the code that runs them. The registry
// is populated once at start-up; an unregistered kind is a permanent error
// because replaying it can never succeed.
package handlers

import (
	"context"
	"fmt"

	taskerrors "github.com/asynctaskflow/taskflow/pkg/errors"
	"github.com/asynctaskflow/taskflow/pkg/tasks"
)

// Handler runs one task of its kind and returns the provider result.
type Handler interface {
	Kind() tasks.Kind
	Handle(ctx context.Context, task *tasks.Task) (string, error)
}

// Registry is the closed dispatch table from kind to handler.
type Registry struct {
	handlers map[tasks.Kind]Handler
}

func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: map[tasks.Kind]Handler{}}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

func (r *Registry) Register(h Handler) {
	if _, ok := r.handlers[h.Kind()]; ok {
		panic(fmt.Sprintf("duplicate handler for kind %q", h.Kind()))
	}
	r.handlers[h.Kind()] = h
}

// ForKind resolves the handler for a kind.
func (r *Registry) ForKind(kind tasks.Kind) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, taskerrors.NewPermanent(taskerrors.SubBadRequest, "no handler registered for kind %q", kind)
	}
	return h, nil
}

func (r *Registry) Kinds() []tasks.Kind {
	kinds := make([]tasks.Kind, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}
