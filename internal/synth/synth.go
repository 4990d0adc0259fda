// Package synth holds the Synthesizer contract and its provider backends.
package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/studio/internal/tasks"
)

var ErrInvalidConfig = errors.New("invalid synthesizer config")

// Synthesizer turns a prompt and its parameters into a result. A returned
// error is a task failure; wrap it in a *Failure to control the message and
// retryable flag recorded on the task.
type Synthesizer interface {
	Synthesize(ctx context.Context, prompt string, params tasks.Parameters) (tasks.Result, error)
}

// Func adapts a plain function to Synthesizer.
type Func func(ctx context.Context, prompt string, params tasks.Parameters) (tasks.Result, error)

func (f Func) Synthesize(ctx context.Context, prompt string, params tasks.Parameters) (tasks.Result, error) {
	return f(ctx, prompt, params)
}

// Failure is a synthesis failure with a client-facing message. Retryable is
// informational: nothing in this module retries on it.
type Failure struct {
	Message   string
	Retryable bool
	Err       error
}

func (f *Failure) Error() string {
	if f.Err != nil && f.Err.Error() != f.Message {
		return fmt.Sprintf("%s: %v", f.Message, f.Err)
	}
	return f.Message
}

func (f *Failure) Unwrap() error { return f.Err }

func Fail(message string, retryable bool, err error) error {
	return &Failure{Message: message, Retryable: retryable, Err: err}
}

// Describe reduces err to the message and retryable flag stored on a
// failed task.
func Describe(err error) (message string, retryable bool) {
	if err == nil {
		return "", false
	}
	var f *Failure
	if errors.As(err, &f) {
		msg := strings.TrimSpace(f.Message)
		if msg == "" && f.Err != nil {
			msg = f.Err.Error()
		}
		return msg, f.Retryable
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "synthesis timed out", true
	case errors.Is(err, context.Canceled):
		return "synthesis cancelled", true
	}
	return err.Error(), false
}

// composePrompt folds style and size hints into the text sent to models
// that take a single prompt string.
func composePrompt(prompt string, params tasks.Parameters) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(prompt))
	if s := strings.TrimSpace(params.Style); s != "" {
		b.WriteString("\nStyle: ")
		b.WriteString(s)
	}
	if s := strings.TrimSpace(params.Size); s != "" {
		b.WriteString("\nSize: ")
		b.WriteString(s)
	}
	return b.String()
}

func pickModel(params tasks.Parameters, fallback string) string {
	if m := strings.TrimSpace(params.Model); m != "" {
		return m
	}
	return fallback
}
