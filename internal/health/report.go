// Package health produces the node readiness report shown at the end of a
// bootstrap run and by "meshboot health".
//
// The report is diagnostic only. Nothing in it changes what the bootstrap
// did; a FAIL item only changes the summary.
package health

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
)

type Level uint8

const (
	OK Level = iota
	Warn
	Fail
)

func (l Level) String() string {
	switch l {
	case OK:
		return "OK"
	case Warn:
		return "WARN"
	case Fail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

type Summary string

const (
	Ready          Summary = "READY"
	PartiallyReady Summary = "PARTIALLY READY"
	NotReady       Summary = "NOT READY"
)

// Item is one line of the report.
type Item struct {
	Level  Level  `json:"level"`
	Label  string `json:"label"`
	Detail string `json:"detail"`
}

type Report struct {
	Items   []Item  `json:"items"`
	Fails   int     `json:"fails"`
	Warns   int     `json:"warns"`
	Summary Summary `json:"summary"`
}

func (r *Report) add(level Level, label, format string, args ...any) {
	r.Items = append(r.Items, Item{Level: level, Label: label, Detail: fmt.Sprintf(format, args...)})
	switch level {
	case Fail:
		r.Fails++
	case Warn:
		r.Warns++
	}
}

func (r *Report) finish() {
	switch {
	case r.Fails > 0:
		r.Summary = NotReady
	case r.Warns > 0:
		r.Summary = PartiallyReady
	default:
		r.Summary = Ready
	}
}

// Problems joins every WARN and FAIL item into one error, or nil.
func (r Report) Problems() error {
	var merr *multierror.Error
	for _, it := range r.Items {
		if it.Level == OK {
			continue
		}
		merr = multierror.Append(merr, fmt.Errorf("[%s] %s: %s", it.Level, it.Label, it.Detail))
	}
	return merr.ErrorOrNil()
}

// WriteText renders r in the plain "[LEVEL] label: detail" form.
func WriteText(w io.Writer, r Report) error {
	for _, it := range r.Items {
		if _, err := fmt.Fprintf(w, "[%s] %s: %s\n", it.Level, it.Label, it.Detail); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "\nSummary: fails=%d warns=%d\nResult: %s\n", r.Fails, r.Warns, r.Summary)
	return err
}

func WriteJSON(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
