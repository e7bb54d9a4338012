package diagnostics

import "sync"

// Report is one captured exception or message.
type Report struct {
	Err  error
	Msg  string
	Tags Tags
}

// Recorder keeps reports in memory. It backs the CLI's failure summary and
// tests.
type Recorder struct {
	mu      sync.Mutex
	reports []Report
}

func (r *Recorder) CaptureException(err error, tags Tags) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, Report{Err: err, Tags: copyTags(tags)})
}

func (r *Recorder) CaptureMessage(msg string, tags Tags) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, Report{Msg: msg, Tags: copyTags(tags)})
}

// Reports returns the captured reports in order.
func (r *Recorder) Reports() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.reports...)
}

func copyTags(tags Tags) Tags {
	c := make(Tags, len(tags))
	for k, v := range tags {
		c[k] = v
	}
	return c
}
