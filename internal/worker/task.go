// Package worker runs jobs one at a time against registered task handlers.
package worker

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// TaskHandler executes one job. ctx is cancelled when the pool asks running
// jobs to abort. Returning BatchErrors reports per-item outcomes for an
// array payload.
type TaskHandler func(ctx context.Context, payload json.RawMessage, helpers *Helpers) error

// TaskList maps task identifiers to handlers.
type TaskList map[string]TaskHandler

// Names returns the identifiers in sorted order.
func (t TaskList) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BatchErrors holds one entry per element of an array payload; nil entries
// succeeded. Only the failed elements are retried.
type BatchErrors []error

func (b BatchErrors) Error() string {
	msgs := make([]string, 0, len(b))
	for i, err := range b {
		if err != nil {
			msgs = append(msgs, "item "+strconv.Itoa(i)+": "+err.Error())
		}
	}
	return "batch failures: " + strings.Join(msgs, "; ")
}

// Failed counts the non-nil entries.
func (b BatchErrors) Failed() int {
	n := 0
	for _, err := range b {
		if err != nil {
			n++
		}
	}
	return n
}
