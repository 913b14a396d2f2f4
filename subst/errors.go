package subst

import "errors"

// Error taxonomy shared by the context, the manifest loader and the API layer.
// Call sites wrap these with fmt.Errorf("%w: ...") so callers can test with errors.Is.
var (
	// ErrNotFound: a record or canonical code entry is missing where required.
	ErrNotFound = errors.New("subst: not found")
	// ErrInvalidArgument: malformed compact spec strings or unsupported fetch schemes.
	ErrInvalidArgument = errors.New("subst: invalid argument")
	// ErrPreconditionFailed: a manifest refresh was requested with no source or policy.
	ErrPreconditionFailed = errors.New("subst: precondition failed")
	// ErrFetchFailed: the manifest or a referenced binary could not be downloaded.
	ErrFetchFailed = errors.New("subst: fetch failed")
	// ErrParseFailed: the manifest document could not be decoded.
	ErrParseFailed = errors.New("subst: parse failed")
)
