// Package source holds the event intakes that feed the delivery pipeline.
package source

import (
	"context"
	"errors"

	"notifybot/internal/delivery"
	"notifybot/internal/event"
	"notifybot/internal/format"
)

// Submitter is satisfied by *delivery.Pipeline.
type Submitter interface {
	Submit(ctx context.Context, raw event.RawEvent) (delivery.SubmitResult, error)
}

// Rejected reports whether err means the event itself was refused (bad
// input or no rule) rather than the pipeline being unable to take it.
func Rejected(err error) bool {
	var malformed *event.MalformedEventError
	var ferr *format.FormatError
	return errors.As(err, &malformed) || errors.As(err, &ferr) || errors.Is(err, format.ErrNoRule)
}
