// Package stems hands a fetched audio file to an external separation
// backend and packages the resulting four instrument stems. The backend
// is a black box: audio in, four labeled files out.
package stems

import (
	"context"
	"errors"
	"fmt"

	"github.com/stemfetch/stemfetch/config"
	"github.com/stemfetch/stemfetch/internal/media"
)

// ErrTimeout is returned when the backend does not finish within the
// configured ceiling. Separation is the slowest step in the pipeline,
// so ceilings are generous (minutes).
var ErrTimeout = errors.New("stem separation timed out")

// Error carries the backend's failure detail.
type Error struct {
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stem separation failed: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("stem separation failed: %s", e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Separator splits one audio file into the four standard stems, writing
// them into outDir. Implementations must return a complete StemSet or
// an error; there is no partial success.
type Separator interface {
	Separate(ctx context.Context, audioPath, outDir string) (media.StemSet, error)
}

// For returns the separation backend selected by the configuration.
func For(cfg *config.Config) (Separator, error) {
	switch cfg.Separation.Backend {
	case "audioshake":
		return NewAudioShakeClient(cfg.Separation), nil
	case "demucs":
		return NewDemucsSeparator(cfg.Separation), nil
	default:
		return nil, fmt.Errorf("unknown separation backend: %s", cfg.Separation.Backend)
	}
}

// requireComplete enforces the four-stem contract: a backend response
// with missing stems is a failure, never a partial result.
func requireComplete(set media.StemSet) (media.StemSet, error) {
	if !set.Complete() {
		return nil, &Error{Detail: fmt.Sprintf("backend returned %d of %d stems", len(set), len(media.StemNames))}
	}
	return set, nil
}
