// Package cron parses crontabs and turns them into recurring jobs.
package cron

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"

	"github.com/graphile/worker-sub000/internal/queue"
)

var (
	linePattern     = regexp.MustCompile(`^([0-9*/,-]+)\s+([0-9*/,-]+)\s+([0-9*/,-]+)\s+([0-9*/,-]+)\s+([0-9*/,-]+)\s+(.*)$`)
	numberPattern   = regexp.MustCompile(`^([0-9]+)$`)
	rangePattern    = regexp.MustCompile(`^([0-9]+)-([0-9]+)$`)
	wildcardPattern = regexp.MustCompile(`^\*(?:/([0-9]+))?$`)
	commandPattern  = regexp.MustCompile(`^([_a-zA-Z][_a-zA-Z0-9:_-]*)(?:\s+\?([^\s]+))?(?:\s+(\{.*\}))?$`)

	idPattern       = regexp.MustCompile(`^[_a-zA-Z][-_a-zA-Z0-9]*$`)
	fillPattern     = regexp.MustCompile(`^(?:[0-9]+[smhdw])+$`)
	maxPattern      = regexp.MustCompile(`^[0-9]+$`)
	queuePattern    = regexp.MustCompile(`^[-a-zA-Z0-9_:]+$`)
	priorityPattern = regexp.MustCompile(`^-?[0-9]+$`)
	phrasePart      = regexp.MustCompile(`^([0-9]+)([smhdw])`)
)

var periods = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
	"w": 7 * 24 * time.Hour,
}

var supportedOptions = []string{"id", "fill", "max", "queue", "jobKey", "jobKeyMode", "priority"}

// ParseError reports a crontab line that could not be parsed.
type ParseError struct {
	Line   int
	Source string
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("crontab line %d (%q): %s", e.Line, e.Source, e.Msg)
}

// ItemOptions are the ?key=value settings of a crontab line.
type ItemOptions struct {
	// Backfill is how far back missed runs are enqueued at startup.
	Backfill    time.Duration
	MaxAttempts int
	QueueName   string
	Priority    *int
	JobKey      string
	JobKeyMode  queue.KeyMode
}

// Item is one parsed crontab line.
type Item struct {
	Minutes Set
	Hours   Set
	Dates   Set
	Months  Set
	Dows    Set

	Task string
	// Identifier is unique within a crontab; it defaults to Task.
	Identifier string
	Payload    map[string]any
	Options    ItemOptions
}

// Parse reads a whole crontab. Blank lines and lines starting with # are
// skipped. Identifiers must be unique.
func Parse(text string) ([]*Item, error) {
	var items []*Item
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		item, err := ParseLine(line, i+1)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.Identifier)
	}
	sort.Strings(ids)
	var dups []string
	for i := 1; i < len(ids); i++ {
		if ids[i] == ids[i-1] && (len(dups) == 0 || dups[len(dups)-1] != ids[i]) {
			dups = append(dups, ids[i])
		}
	}
	if len(dups) > 0 {
		return nil, fmt.Errorf("invalid crontab: duplicate identifiers '%s'; use '?id=...' to give each item a unique identifier",
			strings.Join(dups, "', '"))
	}
	return items, nil
}

// ParseLine parses a single crontab line such as "*/5 * * * * send_digest".
func ParseLine(line string, lineNumber int) (*Item, error) {
	fail := func(format string, args ...any) error {
		return &ParseError{Line: lineNumber, Source: line, Msg: fmt.Sprintf(format, args...)}
	}

	m := linePattern.FindStringSubmatch(line)
	if m == nil {
		return nil, fail("expected five time fields followed by a task identifier")
	}

	item := &Item{}
	fields := []struct {
		name   string
		dst    *Set
		lo, hi int
		wrap   bool
	}{
		{"minutes", &item.Minutes, 0, 59, false},
		{"hours", &item.Hours, 0, 23, false},
		{"dates", &item.Dates, 1, 31, false},
		{"months", &item.Months, 1, 12, false},
		{"days of week", &item.Dows, 0, 6, true},
	}
	for i, f := range fields {
		set, msg := parseRange(f.name, m[i+1], f.lo, f.hi, f.wrap)
		if msg != "" {
			return nil, fail("%s", msg)
		}
		*f.dst = set
	}

	cmd := commandPattern.FindStringSubmatch(m[6])
	if cmd == nil {
		return nil, fail("invalid command specification %q", m[6])
	}
	item.Task = cmd[1]
	item.Identifier = cmd[1]

	if cmd[2] != "" {
		id, opts, msg := parseOptions(cmd[2])
		if msg != "" {
			return nil, fail("%s", msg)
		}
		item.Options = opts
		if id != "" {
			item.Identifier = id
		}
	}

	if cmd[3] != "" {
		var payload map[string]any
		if err := json5.Unmarshal([]byte(cmd[3]), &payload); err != nil {
			return nil, fail("invalid JSON5 payload: %v", err)
		}
		item.Payload = payload
	}
	return item, nil
}

// parseRange handles a comma separated list of numbers, a-b ranges and
// * or */n wildcards. With wrap, hi+1 means lo (7 is Sunday).
func parseRange(name, expr string, lo, hi int, wrap bool) (Set, string) {
	var set Set
	add := func(n int) string {
		v := n
		if wrap && n == hi+1 {
			v = lo
		}
		if v > hi {
			return fmt.Sprintf("too large value '%d' in %s range: expected values in the range %d-%d", n, name, lo, hi)
		}
		if v < lo {
			return fmt.Sprintf("too small value '%d' in %s range: expected values in the range %d-%d", n, name, lo, hi)
		}
		set |= 1 << uint(v)
		return ""
	}

	for _, part := range strings.Split(expr, ",") {
		if m := numberPattern.FindStringSubmatch(part); m != nil {
			n, _ := strconv.Atoi(m[1])
			if msg := add(n); msg != "" {
				return 0, msg
			}
			continue
		}
		if m := rangePattern.FindStringSubmatch(part); m != nil {
			a, _ := strconv.Atoi(m[1])
			b, _ := strconv.Atoi(m[2])
			if b <= a {
				return 0, fmt.Sprintf("invalid range '%s' in %s range: end must be larger than start", part, name)
			}
			for n := a; n <= b; n++ {
				if msg := add(n); msg != "" {
					return 0, msg
				}
			}
			continue
		}
		if m := wildcardPattern.FindStringSubmatch(part); m != nil {
			step := 1
			if m[1] != "" {
				step, _ = strconv.Atoi(m[1])
				if step < 1 {
					return 0, fmt.Sprintf("invalid wildcard '%s' in %s range: step '%s' must be greater than zero", part, name, m[1])
				}
			}
			for n := lo; n <= hi; n += step {
				set |= 1 << uint(n)
			}
			continue
		}
		return 0, fmt.Sprintf("unsupported syntax '%s' in %s range: expected a number, range or wildcard", part, name)
	}
	return set, ""
}

func parseOptions(raw string) (string, ItemOptions, string) {
	var opts ItemOptions
	values, err := url.ParseQuery(raw)
	if err != nil {
		return "", opts, fmt.Sprintf("invalid options '?%s': %v", raw, err)
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var id string
	for _, key := range keys {
		vals := values[key]
		if len(vals) > 1 {
			return "", opts, fmt.Sprintf("option '%s' is specified more than once", key)
		}
		v := vals[0]
		invalid := func() (string, ItemOptions, string) {
			return "", opts, fmt.Sprintf("invalid value '%s' for option '%s'", v, key)
		}
		switch key {
		case "id":
			if !idPattern.MatchString(v) {
				return invalid()
			}
			id = v
		case "fill":
			if !fillPattern.MatchString(v) {
				return invalid()
			}
			opts.Backfill = parseTimePhrase(v)
		case "max":
			if !maxPattern.MatchString(v) {
				return invalid()
			}
			opts.MaxAttempts, _ = strconv.Atoi(v)
		case "queue":
			if !queuePattern.MatchString(v) {
				return invalid()
			}
			opts.QueueName = v
		case "priority":
			if !priorityPattern.MatchString(v) {
				return invalid()
			}
			p, _ := strconv.Atoi(v)
			opts.Priority = &p
		case "jobKey":
			if v == "" {
				return invalid()
			}
			opts.JobKey = v
		case "jobKeyMode":
			mode := queue.KeyMode(v)
			if v == "" || !mode.Valid() {
				return invalid()
			}
			opts.JobKeyMode = mode
		default:
			return "", opts, fmt.Sprintf("unsupported option '%s'; supported options are: %s", key, strings.Join(supportedOptions, ", "))
		}
	}
	if opts.JobKeyMode != "" && opts.JobKey == "" {
		return "", opts, "option 'jobKeyMode' requires 'jobKey'"
	}
	return id, opts, ""
}

// parseTimePhrase converts phrases such as 4w3d2h1m into a duration. The
// input must already match fillPattern.
func parseTimePhrase(phrase string) time.Duration {
	var total time.Duration
	for rest := phrase; rest != ""; {
		m := phrasePart.FindStringSubmatch(rest)
		if m == nil {
			break
		}
		n, _ := strconv.Atoi(m[1])
		total += time.Duration(n) * periods[m[2]]
		rest = rest[len(m[0]):]
	}
	return total
}
