package domain

import "fmt"

// Severity distinguishes Tier-0 contract violations (fatal, abort the
// build) from recoverable conditions that are logged and skipped (§7).
type Severity int

const (
	SeverityFatal Severity = iota
	SeverityRecoverable
)

// BuildError carries the structured context spec §7 requires on every
// Tier-0 error: which stream, which stage, and the underlying cause.
type BuildError struct {
	Severity Severity
	Stream   string
	Stage    string
	Err      error
}

func (e *BuildError) Error() string {
	if e.Stream != "" {
		return fmt.Sprintf("%s: stream %s: %v", e.Stage, e.Stream, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Fatal builds a Tier-0 BuildError.
func Fatal(stage, stream string, err error) *BuildError {
	return &BuildError{Severity: SeverityFatal, Stream: stream, Stage: stage, Err: err}
}

// Recoverable builds a recoverable BuildError for logging purposes.
func Recoverable(stage, stream string, err error) *BuildError {
	return &BuildError{Severity: SeverityRecoverable, Stream: stream, Stage: stage, Err: err}
}

// IsFatal reports whether err is (or wraps) a fatal BuildError.
func IsFatal(err error) bool {
	var be *BuildError
	if ok := asbuildError(err, &be); ok {
		return be.Severity == SeverityFatal
	}
	return false
}

func asbuildError(err error, target **BuildError) bool {
	for err != nil {
		if be, ok := err.(*BuildError); ok {
			*target = be
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
