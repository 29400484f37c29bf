package model

import "errors"

// ErrExhaustedRetries is returned when a bounded retry policy gives up. It is the
// only error the service surfaces as fatal to its caller.
var ErrExhaustedRetries = errors.New("retries exhausted")
