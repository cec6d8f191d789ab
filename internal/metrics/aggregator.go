package metrics

import (
	"sort"
	"sync"
	"time"
)

// DefaultCapacity is the number of snapshots an Aggregator keeps.
const DefaultCapacity = 1000

// Recorder receives finished run snapshots.
type Recorder interface {
	Record(Snapshot)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(Snapshot)

// Record calls f(s).
func (f RecorderFunc) Record(s Snapshot) { f(s) }

// Fanout forwards each snapshot to every non-nil recorder in order.
type Fanout []Recorder

// Record implements Recorder.
func (f Fanout) Record(s Snapshot) {
	for _, r := range f {
		if r != nil {
			r.Record(s)
		}
	}
}

// PipelineSummary is the per-pipeline slice of a Summary.
type PipelineSummary struct {
	PipelineID      string        `json:"pipeline_id"`
	Count           int           `json:"count"`
	SuccessRate     float64       `json:"success_rate"`
	AvgDuration     time.Duration `json:"avg_duration"`
	AvgTTFT         time.Duration `json:"avg_ttft"`
	AvgTokensPerSec float64       `json:"avg_tokens_per_sec"`
}

// Summary aggregates the snapshots inside a window.
type Summary struct {
	Window          time.Duration     `json:"window"`
	Count           int               `json:"count"`
	SuccessRate     float64           `json:"success_rate"`
	AvgDuration     time.Duration     `json:"avg_duration"`
	AvgTTFT         time.Duration     `json:"avg_ttft"`
	AvgTokensPerSec float64           `json:"avg_tokens_per_sec"`
	Pipelines       []PipelineSummary `json:"pipelines"`
}

// Aggregator keeps the most recent snapshots in a fixed-size ring; older
// snapshots are dropped.
type Aggregator struct {
	mu   sync.Mutex
	now  func() time.Time
	ring []Snapshot
	next int
	full bool
}

// NewAggregator creates an Aggregator holding up to capacity snapshots.
// A non-positive capacity selects DefaultCapacity.
func NewAggregator(capacity int) *Aggregator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Aggregator{now: time.Now, ring: make([]Snapshot, capacity)}
}

// Record implements Recorder.
func (a *Aggregator) Record(s Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ring[a.next] = s
	a.next = (a.next + 1) % len(a.ring)
	if a.next == 0 {
		a.full = true
	}
}

// Len returns the number of retained snapshots.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.full {
		return len(a.ring)
	}
	return a.next
}

// Recent returns up to n retained snapshots, newest first.
func (a *Aggregator) Recent(n int) []Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	all := a.ordered()
	if n <= 0 || n > len(all) {
		n = len(all)
	}
	out := make([]Snapshot, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out
}

// Summary aggregates the snapshots started within window of now. A
// non-positive window covers everything retained.
func (a *Aggregator) Summary(window time.Duration) Summary {
	a.mu.Lock()
	all := a.ordered()
	now := a.now()
	a.mu.Unlock()

	sum := Summary{Window: window}
	type acc struct {
		count, ok int
		dur, ttft time.Duration
		tps       float64
	}
	total := acc{}
	per := make(map[string]*acc)
	for _, s := range all {
		if window > 0 && now.Sub(s.Started) > window {
			continue
		}
		p := per[s.PipelineID]
		if p == nil {
			p = &acc{}
			per[s.PipelineID] = p
		}
		for _, x := range []*acc{&total, p} {
			x.count++
			if s.Success {
				x.ok++
			}
			x.dur += s.Total
			x.ttft += s.TTFT
			x.tps += s.TokensPerSec
		}
	}
	if total.count == 0 {
		return sum
	}
	sum.Count = total.count
	sum.SuccessRate = float64(total.ok) / float64(total.count)
	sum.AvgDuration = total.dur / time.Duration(total.count)
	sum.AvgTTFT = total.ttft / time.Duration(total.count)
	sum.AvgTokensPerSec = total.tps / float64(total.count)

	for id, p := range per {
		sum.Pipelines = append(sum.Pipelines, PipelineSummary{
			PipelineID:      id,
			Count:           p.count,
			SuccessRate:     float64(p.ok) / float64(p.count),
			AvgDuration:     p.dur / time.Duration(p.count),
			AvgTTFT:         p.ttft / time.Duration(p.count),
			AvgTokensPerSec: p.tps / float64(p.count),
		})
	}
	sort.Slice(sum.Pipelines, func(i, j int) bool { return sum.Pipelines[i].PipelineID < sum.Pipelines[j].PipelineID })
	return sum
}

// ordered returns the retained snapshots oldest first. Callers hold mu.
func (a *Aggregator) ordered() []Snapshot {
	if !a.full {
		return append([]Snapshot(nil), a.ring[:a.next]...)
	}
	out := make([]Snapshot, 0, len(a.ring))
	out = append(out, a.ring[a.next:]...)
	return append(out, a.ring[:a.next]...)
}
