package metrics

import "errors"

// ErrIncompatibleCollector is returned when a metric name is already
// registered with a different collector type.
var ErrIncompatibleCollector = errors.New("metrics: collector already registered with incompatible type")
