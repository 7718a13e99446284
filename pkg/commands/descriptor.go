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

package commands

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Descriptor is the shape handed to the core by the submission boundary. The
// boundary has already authenticated the submitter; the core still validates
// shape and per-type parameter schemas.
type Descriptor struct {
	Type               Type           `validate:"required"`
	Priority           Priority       `validate:"min=0,max=3"`
	Parameters         map[string]any `validate:"-"`
	Metadata           Metadata       `validate:"-"`
	QueueTimeoutMs     int64          `validate:"min=0"`
	ExecutionTimeoutMs int64          `validate:"min=0"`
	MaxRetries         int            `validate:"min=0,max=100"`
}

// SchemaFunc validates the parameter payload for one command type.
type SchemaFunc func(params map[string]any) error

// SchemaRegistry holds per-type parameter schemas applied at ingress.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[Type]SchemaFunc
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: map[Type]SchemaFunc{}}
}

// Register binds a parameter schema to a command type, replacing any previous
// schema for the same type.
func (r *SchemaRegistry) Register(t Type, fn SchemaFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[t] = fn
}

// Validate applies the registered schema, if any. Types with no schema accept
// any parameters.
func (r *SchemaRegistry) Validate(t Type, params map[string]any) error {
	r.mu.RLock()
	fn, ok := r.schemas[t]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := fn(params); err != nil {
		return fmt.Errorf("invalid parameters for %s: %w", t, err)
	}
	return nil
}

// Build validates the descriptor and materialises a Pending command.
func (d Descriptor) Build(schemas *SchemaRegistry) (*Command, error) {
	if err := validate.Struct(d); err != nil {
		return nil, fmt.Errorf("invalid command descriptor: %w", err)
	}
	if !d.Priority.Valid() {
		return nil, fmt.Errorf("invalid priority %d", d.Priority)
	}
	if schemas != nil {
		if err := schemas.Validate(d.Type, d.Parameters); err != nil {
			return nil, err
		}
	}
	cmd := New(d.Type, d.Priority, d.Parameters, d.Metadata)
	cmd.QueueTimeout = time.Duration(d.QueueTimeoutMs) * time.Millisecond
	cmd.ExecutionTimeout = time.Duration(d.ExecutionTimeoutMs) * time.Millisecond
	cmd.MaxRetries = d.MaxRetries
	return cmd, nil
}
