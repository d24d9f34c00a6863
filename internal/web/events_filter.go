package web

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/graphile/worker-sub000/internal/events"
)

// eventFilter narrows the /events stream. The type filter matches exact
// types or, when it ends in ":", a component prefix such as "job:".
type eventFilter struct {
	task     string
	workerID string
	jobID    *int64
	typ      string
}

func parseEventFilter(r *http.Request) (eventFilter, error) {
	query := r.URL.Query()
	filter := eventFilter{
		task:     strings.TrimSpace(query.Get("task")),
		workerID: strings.TrimSpace(query.Get("worker_id")),
		typ:      strings.TrimSpace(query.Get("type")),
	}
	if val := strings.TrimSpace(query.Get("job_id")); val != "" {
		parsed, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return eventFilter{}, fmt.Errorf("invalid job_id")
		}
		filter.jobID = &parsed
	}
	return filter, nil
}

func (f eventFilter) Matches(event events.Event) bool {
	if f.task != "" && event.Task != f.task {
		return false
	}
	if f.workerID != "" && event.WorkerID != f.workerID {
		return false
	}
	if f.jobID != nil && event.JobID != *f.jobID {
		return false
	}
	if f.typ != "" {
		t := string(event.Type)
		if strings.HasSuffix(f.typ, ":") {
			return strings.HasPrefix(t, f.typ)
		}
		return t == f.typ
	}
	return true
}
