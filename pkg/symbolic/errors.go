package symbolic

import (
	"errors"
	"fmt"
)

// ErrNotFound reports that no configured source carries symbols for
// the module. Distinct from a corrupt symbol file, which parses
// unsuccessfully after bytes were obtained.
var ErrNotFound = errors.New("symbolic: symbols not found")

type invalidDebugIDError struct {
	debugID string
}

func (e invalidDebugIDError) Error() string {
	return fmt.Sprintf("invalid debug ID: %q", e.debugID)
}

type httpStatusError struct {
	statusCode int
	url        string
	body       string
}

func (e httpStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d from %s", e.statusCode, e.url)
}

func isInvalidDebugIDError(err error) bool {
	var e invalidDebugIDError
	return errors.As(err, &e)
}

func isHTTPStatusError(err error) (int, bool) {
	var e httpStatusError
	if errors.As(err, &e) {
		return e.statusCode, true
	}
	return 0, false
}
