package hunting

import (
	"errors"
	"fmt"
)

// Failure classes surfaced by the export engine. Callers classify with
// errors.Is / errors.As; everything else reaching the caller is wrapped
// context around one of these.
var (
	// ErrInvalidConfiguration marks a configuration problem detected before
	// any query is issued. The run must not start.
	ErrInvalidConfiguration = errors.New("invalid export configuration")

	// ErrAuthentication marks a failed token acquisition. The run aborts
	// before any slice is attempted.
	ErrAuthentication = errors.New("authentication failed")

	// ErrMissingAnchor is returned when the last record of a page lacks the
	// timestamp or record-id field needed to derive a continuation cursor.
	ErrMissingAnchor = errors.New("record is missing a cursor anchor field")

	// ErrRetriesExhausted is returned when a single query stayed transiently
	// failing past the attempt ceiling. The wrapped cause is the last
	// transient failure observed.
	ErrRetriesExhausted = errors.New("retry attempts exhausted")
)

// QueryFailure is a non-retryable response from the query endpoint: an
// unexpected status code or a response body that does not parse as a result
// envelope. It fails the slice that issued the query but not the run.
type QueryFailure struct {
	StatusCode int
	Body       string
}

func (e *QueryFailure) Error() string {
	return fmt.Sprintf("query failed with status %d: %s", e.StatusCode, e.Body)
}

// maxErrorBody bounds how much of a failure response body is kept for
// diagnostics.
const maxErrorBody = 512

func truncateBody(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "...(truncated)"
	}
	return string(b)
}
