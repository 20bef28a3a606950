// Package stats records per-operation latencies into HDR histograms and
// summarises them as percentiles.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// OpKind names the operation a latency sample belongs to.
type OpKind string

const (
	OpAdd       OpKind = "add"
	OpReplace   OpKind = "replace"
	OpModify    OpKind = "modify"
	OpCancel    OpKind = "cancel"
	OpReconcile OpKind = "reconcile"
)

const (
	minTrackable = 1                  // 1ns
	maxTrackable = int64(time.Minute) // samples above are clamped
	sigFigs      = 3
)

// Report is the percentile summary of one operation kind.
type Report struct {
	Count int64         `json:"count"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// Summary maps each recorded kind to its report.
type Summary map[OpKind]Report

// Kinds returns the kinds in the summary in a stable order.
func (s Summary) Kinds() []OpKind {
	kinds := make([]OpKind, 0, len(s))
	for k := range s {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Recorder keeps one bounded-memory histogram per operation kind.
// Record is expected from a single writer (the feed loop); Summarize may be
// called concurrently from a telemetry goroutine.
type Recorder struct {
	mu    sync.RWMutex
	hists map[OpKind]*hdrhistogram.Histogram
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{hists: make(map[OpKind]*hdrhistogram.Histogram)}
}

// Record adds one elapsed-time sample.
func (r *Recorder) Record(kind OpKind, elapsed time.Duration) {
	v := int64(elapsed)
	if v < minTrackable {
		v = minTrackable
	} else if v > maxTrackable {
		v = maxTrackable
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hists[kind]
	if !ok {
		h = hdrhistogram.New(minTrackable, maxTrackable, sigFigs)
		r.hists[kind] = h
	}
	// v is clamped into the trackable range, so RecordValue cannot fail.
	_ = h.RecordValue(v)
}

// Summarize returns p50/p95/p99 for every kind recorded so far.
func (r *Recorder) Summarize() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(Summary, len(r.hists))
	for kind, h := range r.hists {
		out[kind] = Report{
			Count: h.TotalCount(),
			P50:   time.Duration(h.ValueAtQuantile(50)),
			P95:   time.Duration(h.ValueAtQuantile(95)),
			P99:   time.Duration(h.ValueAtQuantile(99)),
			Max:   time.Duration(h.Max()),
		}
	}
	return out
}

// Reset drops all samples.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.hists {
		h.Reset()
	}
}
