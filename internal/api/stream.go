package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/crucible/internal/pipeline"
)

// codeRunFailed tags the error event sent when a run ends without Complete.
const codeRunFailed = "RUN_FAILED"

// streamRun writes the run's events as server-sent events, one JSON
// object per data line, and terminates the stream with [DONE]. A failed run
// gets a final error event before [DONE].
func streamRun(w http.ResponseWriter, run *pipeline.Run, logger *slog.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		// Drain so the run can finish.
		run.Collect()
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Run-Id", run.ID())
	w.WriteHeader(http.StatusOK)

	write := func(ev pipeline.WireEvent) bool {
		payload, err := json.Marshal(ev)
		if err != nil {
			logger.Error("encoding stream event", "run", run.ID(), "type", ev.Type, "error", err)
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	alive := true
	for o := range run.Events() {
		if alive {
			alive = write(pipeline.Encode(o))
		}
	}
	if !alive {
		return
	}

	if err := run.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		write(pipeline.Encode(pipeline.Error{Code: codeRunFailed, Message: err.Error()}))
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
