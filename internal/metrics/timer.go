package metrics

import (
	"sync"
	"time"
)

// Stage is one named, closed interval of a run.
type Stage struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
}

// Snapshot is the final timing record of one run.
type Snapshot struct {
	RunID          string        `json:"run_id"`
	PipelineID     string        `json:"pipeline_id"`
	ConversationID string        `json:"conversation_id"`
	Intent         string        `json:"intent,omitempty"`
	Started        time.Time     `json:"started"`
	Total          time.Duration `json:"total"`
	TTFT           time.Duration `json:"ttft"`
	ToolTime       time.Duration `json:"tool_time"`
	Tokens         int           `json:"tokens"`
	TokensPerSec   float64       `json:"tokens_per_sec"`
	Stages         []Stage       `json:"stages"`
	Success        bool          `json:"success"`
}

// Timer is the stopwatch of one run. Stages never overlap: starting a stage
// closes the open one. It is safe for concurrent use.
type Timer struct {
	mu  sync.Mutex
	now func() time.Time

	snap      Snapshot
	stage     string
	stageFrom time.Time
	firstTok  bool
	finished  bool
}

// NewTimer starts a timer on the wall clock.
func NewTimer(runID, pipelineID, conversationID string) *Timer {
	return NewTimerWithClock(runID, pipelineID, conversationID, time.Now)
}

// NewTimerWithClock starts a timer on the given clock.
func NewTimerWithClock(runID, pipelineID, conversationID string, now func() time.Time) *Timer {
	return &Timer{
		now: now,
		snap: Snapshot{
			RunID:          runID,
			PipelineID:     pipelineID,
			ConversationID: conversationID,
			Started:        now(),
		},
	}
}

// SetPipeline records the pipeline once it has been resolved.
func (t *Timer) SetPipeline(id string) {
	t.mu.Lock()
	t.snap.PipelineID = id
	t.mu.Unlock()
}

// SetIntent records the classified intent.
func (t *Timer) SetIntent(intent string) {
	t.mu.Lock()
	t.snap.Intent = intent
	t.mu.Unlock()
}

// StartStage closes the open stage, if any, and opens name.
func (t *Timer) StartStage(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.closeStage(now)
	t.stage = name
	t.stageFrom = now
}

// EndStage closes the open stage.
func (t *Timer) EndStage() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeStage(t.now())
}

// RecordTokens adds n streamed tokens. The first call with n > 0 fixes the
// time to first token.
func (t *Timer) RecordTokens(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.firstTok {
		t.firstTok = true
		t.snap.TTFT = t.now().Sub(t.snap.Started)
	}
	t.snap.Tokens += n
}

// AddToolTime adds time spent executing tools.
func (t *Timer) AddToolTime(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.snap.ToolTime += d
	t.mu.Unlock()
}

// Finish closes the open stage and returns the run's snapshot. Calls after
// the first return the same snapshot.
func (t *Timer) Finish(success bool) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return t.copySnap()
	}
	now := t.now()
	t.closeStage(now)
	t.finished = true
	t.snap.Success = success
	t.snap.Total = now.Sub(t.snap.Started)

	gen := t.snap.Total - t.snap.ToolTime
	if t.snap.Tokens > 0 && gen > 0 {
		t.snap.TokensPerSec = float64(t.snap.Tokens) / gen.Seconds()
	}
	return t.copySnap()
}

func (t *Timer) closeStage(now time.Time) {
	if t.stage == "" {
		return
	}
	t.snap.Stages = append(t.snap.Stages, Stage{Name: t.stage, Duration: now.Sub(t.stageFrom)})
	t.stage = ""
}

func (t *Timer) copySnap() Snapshot {
	s := t.snap
	s.Stages = append([]Stage(nil), t.snap.Stages...)
	return s
}
