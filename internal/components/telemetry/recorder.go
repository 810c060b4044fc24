package telemetry

import (
	"fmt"
	"sync"
)

// Report is a single call made against a Recorder.
type Report struct {
	Kind   string
	ID     string
	Params []any
}

// Recorder is an API that keeps every report in memory, tests use it to assert
// that failures are reported under the expected ids.
type Recorder struct {
	mu      sync.Mutex
	reports []Report
}

func (r *Recorder) add(kind, id string, params []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, Report{Kind: kind, ID: id, Params: params})
}

func (r *Recorder) ReportBroken(id string, params ...any) { r.add("broken", id, params) }

func (r *Recorder) ReportWarning(id string, params ...any) { r.add("warning", id, params) }

func (r *Recorder) ReportDebug(msg string, params ...any) { r.add("debug", msg, params) }

func (r *Recorder) ReportCount(id string, count int64) { r.add("count", id, []any{count}) }

// Reports returns a copy of everything recorded so far.
func (r *Recorder) Reports() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Report, len(r.reports))
	copy(out, r.reports)
	return out
}

// Broken returns the ids of every ReportBroken call.
func (r *Recorder) Broken() []string {
	var ids []string
	for _, rep := range r.Reports() {
		if rep.Kind == "broken" {
			ids = append(ids, rep.ID)
		}
	}
	return ids
}

func (r Report) String() string {
	return fmt.Sprintf("%s %s %v", r.Kind, r.ID, r.Params)
}
