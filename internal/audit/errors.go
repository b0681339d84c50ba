package audit

import "errors"

// ErrInvalidEntry is returned by Record for an entry without action or source.
var ErrInvalidEntry = errors.New("audit: invalid entry")
