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

package processor

import (
	"context"
	"fmt"

	"github.com/aresrobotics/commandcore/pkg/commands"
)

// Handler executes commands of one type. Handle must honour the context
// deadline; cancellation is cooperative and the core can only enforce it
// through the deadline path.
type Handler interface {
	CanHandle(cmd *commands.Command) bool
	Handle(ctx context.Context, cmd *commands.Command) (*commands.Result, error)
}

// Optional handler capabilities, discovered by type assertion.

// Preflighter gates execution; a non-nil error fails the command terminally
// with a precondition result, bypassing the retry budget.
type Preflighter interface {
	CanExecute(ctx context.Context, cmd *commands.Command) error
}

// BeforeHook runs before Handle; an error routes through the retry path.
type BeforeHook interface {
	OnBefore(ctx context.Context, cmd *commands.Command) error
}

// AfterHook runs after a successful Handle.
type AfterHook interface {
	OnAfter(ctx context.Context, cmd *commands.Command, result *commands.Result)
}

// ErrorHook observes handler failures before the retry decision.
type ErrorHook interface {
	OnError(ctx context.Context, cmd *commands.Command, err error)
}

// ProgressReporter receives a callback for incremental progress in [0,1].
type ProgressReporter interface {
	SetProgressCallback(cb func(progress float64, msg string))
}

// HandlerFunc adapts a function to Handler, accepting every command routed
// to it.
type HandlerFunc func(ctx context.Context, cmd *commands.Command) (*commands.Result, error)

func (f HandlerFunc) CanHandle(*commands.Command) bool { return true }
func (f HandlerFunc) Handle(ctx context.Context, cmd *commands.Command) (*commands.Result, error) {
	return f(ctx, cmd)
}

// perform invokes the handler, converting panics into errors so a misbehaving
// handler cannot take down the dispatcher.
func perform(ctx context.Context, h Handler, cmd *commands.Command) (result *commands.Result, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("handler panic: %v", x)
		}
	}()
	return h.Handle(ctx, cmd)
}
