package statestore

import (
	"fmt"

	"github.com/walkai-org/walkai-api/internal/errs"
)

// translate maps raw transport failures into the core taxonomy at the adapter
// boundary. Anything the store could not answer, including context deadlines
// and refused connections, is a Timeout kind: retryable with backoff, never
// fatal, and never surfaced to callers as a raw transport error.
func translate(err error, format string, args ...any) error {
	return errs.Timeout("%s: %v", fmt.Sprintf(format, args...), err)
}
