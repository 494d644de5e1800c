package kopgen

import "errors"

var (
	// ErrUploadNotFound is returned when an upload ID does not exist.
	ErrUploadNotFound = errors.New("kopgen: upload not found")

	// ErrResultsNotFound is returned when an upload has no summary or
	// entity graph rows yet.
	ErrResultsNotFound = errors.New("kopgen: no results for upload")

	// ErrNewSideMissing is returned by Approve when the new summary or
	// relationship JSON is empty.
	ErrNewSideMissing = errors.New("kopgen: new summary or entity graph missing")

	// ErrInvalidPath is matched by submission errors for missing files.
	ErrInvalidPath = errors.New("kopgen: invalid document path")

	// ErrInvalidRegulation is returned for an unknown regulation id.
	ErrInvalidRegulation = errors.New("kopgen: unknown regulation")

	// ErrInvalidVersion is returned by GraphData for a version other than
	// "old" or "new".
	ErrInvalidVersion = errors.New("kopgen: invalid graph version")

	// ErrMissingQuestion is returned by Ask for a blank question.
	ErrMissingQuestion = errors.New("kopgen: missing question")

	// ErrQAOnly is returned by document operations on a QA-only engine.
	ErrQAOnly = errors.New("kopgen: engine is running in QA-only mode")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("kopgen: invalid configuration")
)

// pathError carries the user-facing message for a bad submission path.
type pathError struct {
	msg string
}

func (e *pathError) Error() string { return e.msg }

func (e *pathError) Is(target error) bool { return target == ErrInvalidPath }
