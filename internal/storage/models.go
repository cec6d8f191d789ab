package storage

import (
	"errors"
	"time"

	"github.com/kalambet/crucible/internal/metrics"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Execution is one persisted pipeline run.
type Execution struct {
	ID             string
	PipelineID     string
	ConversationID string
	Intent         string
	StartedAt      time.Time
	Duration       time.Duration
	TTFT           time.Duration
	ToolTime       time.Duration
	Tokens         int
	TokensPerSec   float64
	Success        bool
	Stages         []metrics.Stage
}

func executionFrom(s metrics.Snapshot) Execution {
	return Execution{
		ID:             s.RunID,
		PipelineID:     s.PipelineID,
		ConversationID: s.ConversationID,
		Intent:         s.Intent,
		StartedAt:      s.Started,
		Duration:       s.Total,
		TTFT:           s.TTFT,
		ToolTime:       s.ToolTime,
		Tokens:         s.Tokens,
		TokensPerSec:   s.TokensPerSec,
		Success:        s.Success,
		Stages:         s.Stages,
	}
}
