// Package rekeyerr defines the error taxonomy shared by every stage of a rekey run.
package rekeyerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a rekey failure
type Kind string

const (
	MalformedMapping         Kind = "MalformedMapping"
	UnresolvableCollision    Kind = "UnresolvableCollision"
	ConstraintSuspendFailure Kind = "ConstraintSuspendFailure"
	StepExecutionFailure     Kind = "StepExecutionFailure"
	StepTimeout              Kind = "StepTimeout"
	PostConditionViolation   Kind = "PostConditionViolation"
	// ResumeConflict covers a held run lock, an unfinished earlier run and a
	// persisted plan that no longer matches its hash.
	ResumeConflict Kind = "ResumeConflict"
)

// Process exit codes reported by the CLI
const (
	ExitSuccess   = 0
	ExitPartial   = 1
	ExitInput     = 2
	ExitViolation = 3
	ExitFatal     = 4
)

// Error is a classified rekey failure
type Error struct {
	Kind    Kind
	Message string
	// IDs lists the record ids involved, when the failure is about specific records
	IDs []string
	Err error
}

// New creates an error of the given kind
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithIDs attaches the involved record ids
func (e *Error) WithIDs(ids ...string) *Error {
	e.IDs = append(e.IDs, ids...)
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.IDs) > 0 {
		b.WriteString(" (ids: ")
		b.WriteString(strings.Join(e.IDs, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Hint returns the operator remediation for this kind of failure
func (e *Error) Hint() string {
	return HintFor(e.Kind)
}

// HintFor returns the remediation text for kind
func HintFor(kind Kind) string {
	switch kind {
	case MalformedMapping:
		return "fix the mapping source (every entry needs an id and a target key that exists in the store) and run again"
	case UnresolvableCollision:
		return "two records claim the same final key; correct the mapping upstream, nothing was written"
	case ConstraintSuspendFailure:
		return "the store refused to alter the foreign key; check privileges and the reported constraint state, then resume"
	case StepExecutionFailure:
		return "inspect the failed step, fix the store-side cause and re-run with --resume <run-id>"
	case StepTimeout:
		return "the step outcome is unknown; inspect the row, then re-run with --resume <run-id> (the step is reconciled against the store)"
	case PostConditionViolation:
		return "all steps ran but the final state is wrong; remediate manually using the verification report, do not re-run blindly"
	case ResumeConflict:
		return "another run holds this plan or an earlier run is unfinished; use --resume <run-id>, or 'rekey unlock <run-id>' if the holder is gone"
	default:
		return ""
	}
}

// ExitCode maps kind to the CLI exit status
func ExitCode(kind Kind) int {
	switch kind {
	case MalformedMapping, UnresolvableCollision:
		return ExitInput
	case StepExecutionFailure, StepTimeout, ResumeConflict:
		return ExitPartial
	case PostConditionViolation:
		return ExitViolation
	default:
		return ExitFatal
	}
}

// KindOf extracts the kind of err, if it is (or wraps) an *Error
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// ExitCodeOf maps any error to an exit status
func ExitCodeOf(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if k, ok := KindOf(err); ok {
		return ExitCode(k)
	}
	return ExitFatal
}
