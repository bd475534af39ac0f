// Package runcond decides when the sync service has to re-check whether it
// may run, after the preferences that gate it changed.
package runcond

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/events"
)

// Evaluator re-evaluates the run conditions of the sync service.
type Evaluator interface {
	EvaluateRunConditions(ctx context.Context) error
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context) error

// EvaluateRunConditions calls f.
func (f EvaluatorFunc) EvaluateRunConditions(ctx context.Context) error {
	return f(ctx)
}

// Multi invokes every evaluator in order and joins their errors.
type Multi []Evaluator

// EvaluateRunConditions implements Evaluator.
func (m Multi) EvaluateRunConditions(ctx context.Context) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.EvaluateRunConditions(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DefaultCommandTimeout bounds a CommandEvaluator run.
const DefaultCommandTimeout = 30 * time.Second

// CommandEvaluator runs an external command, typically one that sends the
// service its "evaluate run conditions" intent.
type CommandEvaluator struct {
	Args    []string
	Timeout time.Duration
	// Env is appended to the current environment.
	Env []string
}

// NewCommandEvaluator returns nil when args is empty.
func NewCommandEvaluator(args []string, timeout time.Duration) *CommandEvaluator {
	if len(args) == 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &CommandEvaluator{Args: args, Timeout: timeout}
}

// EvaluateRunConditions runs the command and waits for it.
func (c *CommandEvaluator) EvaluateRunConditions(ctx context.Context) error {
	if c == nil || len(c.Args) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Env = append(os.Environ(), c.Env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("run condition command timed out after %s", c.Timeout)
		}
		return fmt.Errorf("run condition command %s: %s: %w",
			strings.Join(c.Args, " "), strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

// BusEvaluator publishes a run_conditions_evaluate event so that HTTP and
// SSE consumers can react.
type BusEvaluator struct {
	Bus       *events.EventBus
	SessionID string
	Reason    string
}

// EvaluateRunConditions publishes the event. It never fails.
func (b BusEvaluator) EvaluateRunConditions(_ context.Context) error {
	if b.Bus == nil {
		return nil
	}
	reason := b.Reason
	if reason == "" {
		reason = "preferences_changed"
	}
	b.Bus.Publish(events.NewRunConditionsEvaluateEvent(b.SessionID, reason))
	return nil
}

// TouchesRunConditions reports whether diff changes a key that gates the service.
func TouchesRunConditions(diff core.Diff) bool {
	return diff.Intersects(core.RunConditionKeys)
}
