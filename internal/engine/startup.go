package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotRunning is returned by EnsureReady when the backend is unreachable.
var ErrNotRunning = errors.New("inference backend is not running; please ensure it is started")

// EnsureReady checks that e is reachable and has every model, pulling the
// missing ones. Empty and repeated names are skipped. Progress goes to w.
func EnsureReady(ctx context.Context, e Engine, w io.Writer, models ...string) error {
	if !e.IsRunning(ctx) {
		return ErrNotRunning
	}
	for _, model := range distinct(models) {
		if err := ensureModel(ctx, e, w, model); err != nil {
			return err
		}
	}
	return nil
}

func ensureModel(ctx context.Context, e Engine, w io.Writer, model string) error {
	if !e.HasModel(ctx, model) {
		fmt.Fprintf(w, "model %s: pulling...\n", model)
		if err := e.PullModel(ctx, model, progressTo(w)); err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
	}
	fmt.Fprintf(w, "model %s: ready\n", model)
	return nil
}

func progressTo(w io.Writer) func(PullProgress) {
	return func(p PullProgress) {
		if p.Total <= 0 {
			fmt.Fprintf(w, "  %s\n", p.Status)
			return
		}
		fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, float64(p.Completed)/float64(p.Total)*100)
	}
}

func distinct(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0:0]
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
