package pipeline

import (
	"context"
	"errors"

	"github.com/stemfetch/stemfetch/internal/fetcher"
	"github.com/stemfetch/stemfetch/internal/resolver"
	"github.com/stemfetch/stemfetch/internal/stems"
)

var (
	ErrNotFound     = errors.New("request not found")
	ErrInvalidState = errors.New("request already finished")
)

// ErrorKind is the failure taxonomy surfaced to clients and recorded on
// failed requests.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindResolution        ErrorKind = "resolution"
	KindResolutionTimeout ErrorKind = "resolution_timeout"
	KindFetch             ErrorKind = "fetch"
	KindFetchTimeout      ErrorKind = "fetch_timeout"
	KindPayloadTooLarge   ErrorKind = "payload_too_large"
	KindSeparation        ErrorKind = "separation"
	KindSeparationTimeout ErrorKind = "separation_timeout"
	KindCanceled          ErrorKind = "canceled"
	KindInternal          ErrorKind = "internal"
)

// Classify maps a component error onto the taxonomy. Anything
// unrecognized is internal; component packages own their error types,
// so new failure modes land here explicitly.
func Classify(err error) ErrorKind {
	var resErr *resolver.Error
	var fetchErr *fetcher.Error
	var sepErr *stems.Error

	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, resolver.ErrTimeout):
		return KindResolutionTimeout
	case errors.As(err, &resErr):
		return KindResolution
	case errors.Is(err, fetcher.ErrInactivityTimeout):
		return KindFetchTimeout
	case errors.Is(err, fetcher.ErrPayloadTooLarge):
		return KindPayloadTooLarge
	case errors.As(err, &fetchErr):
		return KindFetch
	case errors.Is(err, stems.ErrTimeout):
		return KindSeparationTimeout
	case errors.As(err, &sepErr):
		return KindSeparation
	default:
		return KindInternal
	}
}
