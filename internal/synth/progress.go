package synth

import (
	"sync/atomic"
	"time"
)

// Progress exposes the state of a running synthesis to the monitor API.
// The synthesis loop is the only writer; the monitor goroutines read the
// counters through atomics, so the core stays single-threaded and its
// output deterministic.
type Progress struct {
	target    atomic.Int64
	produced  atomic.Int64
	psChecked atomic.Int64
	psFound   atomic.Int64
	startUnix atomic.Int64
}

// NewProgress returns an idle tracker.
func NewProgress() *Progress { return &Progress{} }

// Start records the target count and the start time.
func (p *Progress) Start(target int) {
	p.target.Store(int64(target))
	p.startUnix.Store(time.Now().Unix())
}

// AddProduced bumps the produced-fakes counter.
func (p *Progress) AddProduced(n int) { p.produced.Add(int64(n)) }

// AddScan accumulates one plausible-seed scan result.
func (p *Progress) AddScan(checked, found int) {
	p.psChecked.Add(int64(checked))
	p.psFound.Add(int64(found))
}

// Snapshot is a point-in-time view of the run.
type Snapshot struct {
	Target         int64   `json:"target"`
	Produced       int64   `json:"produced"`
	PSChecked      int64   `json:"ps_checked"`
	PSFound        int64   `json:"ps_found"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// Snapshot reads the current counters.
func (p *Progress) Snapshot() Snapshot {
	var elapsed float64
	if start := p.startUnix.Load(); start > 0 {
		elapsed = time.Since(time.Unix(start, 0)).Seconds()
	}
	return Snapshot{
		Target:         p.target.Load(),
		Produced:       p.produced.Load(),
		PSChecked:      p.psChecked.Load(),
		PSFound:        p.psFound.Load(),
		ElapsedSeconds: elapsed,
	}
}
