// Package diag collects link diagnostics so that one invocation can report
// several independent problems before aborting at a checkpoint.
package diag

import (
	"fmt"
	"io"
	"strings"
)

// Kind classifies a diagnostic. A Kind is itself an error so callers can
// test an aggregated failure with errors.Is(err, diag.UnresolvedSymbol).
type Kind int

const (
	MalformedInput Kind = iota + 1
	SymbolConflict
	UnresolvedSymbol
	UnresolvedVersion
	DiscardedSectionReference
	ResourceExhaustion
)

var kindNames = map[Kind]string{
	MalformedInput:            "malformed input",
	SymbolConflict:            "symbol conflict",
	UnresolvedSymbol:          "unresolved symbol",
	UnresolvedVersion:         "unresolved version",
	DiscardedSectionReference: "discarded section reference",
	ResourceExhaustion:        "resource exhaustion",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) Error() string { return k.String() }

type Severity uint8

const (
	Warning Severity = iota
	Fatal
)

func (s Severity) String() string {
	if s == Fatal {
		return "error"
	}
	return "warning"
}

type Diagnostic struct {
	Kind     Kind
	Severity Severity
	// File names the input object the diagnostic is about, if any.
	File string
	Msg  string
}

func (d Diagnostic) String() string {
	if d.File != "" {
		return fmt.Sprintf("%s: %s: %s", d.Severity, d.File, d.Msg)
	}
	return fmt.Sprintf("%s: %s", d.Severity, d.Msg)
}

// Error is returned from a checkpoint that saw at least one fatal
// diagnostic.
type Error struct {
	Stage string
	Diags []Diagnostic
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "link failed %s: %d error(s)", e.Stage, len(e.Diags))
	for _, d := range e.Diags {
		b.WriteString("\n\t")
		b.WriteString(d.String())
	}
	return b.String()
}

func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	if !ok {
		return false
	}
	return e.Has(k)
}

func (e *Error) Has(k Kind) bool {
	for _, d := range e.Diags {
		if d.Kind == k {
			return true
		}
	}
	return false
}

// Reporter aggregates diagnostics. The zero value discards output.
type Reporter struct {
	w       io.Writer
	diags   []Diagnostic
	pending []Diagnostic
}

func New(w io.Writer) *Reporter {
	return &Reporter{w: w}
}

func (r *Reporter) report(d Diagnostic) {
	r.diags = append(r.diags, d)
	if d.Severity == Fatal {
		r.pending = append(r.pending, d)
	}
	if r.w != nil {
		fmt.Fprintln(r.w, d.String())
	}
}

func (r *Reporter) Warnf(k Kind, file string, format string, args ...any) {
	r.report(Diagnostic{Kind: k, Severity: Warning, File: file, Msg: fmt.Sprintf(format, args...)})
}

func (r *Reporter) Errorf(k Kind, file string, format string, args ...any) {
	r.report(Diagnostic{Kind: k, Severity: Fatal, File: file, Msg: fmt.Sprintf(format, args...)})
}

// Checkpoint returns an *Error carrying every fatal diagnostic reported
// since the previous checkpoint, or nil.
func (r *Reporter) Checkpoint(stage string) error {
	if len(r.pending) == 0 {
		return nil
	}
	err := &Error{Stage: stage, Diags: r.pending}
	r.pending = nil
	return err
}

func (r *Reporter) Diagnostics() []Diagnostic {
	return r.diags
}

// Count returns the number of diagnostics of kind k seen so far.
func (r *Reporter) Count(k Kind) (n int) {
	for _, d := range r.diags {
		if d.Kind == k {
			n++
		}
	}
	return
}
