package stems

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/stemfetch/stemfetch/config"
	"github.com/stemfetch/stemfetch/internal/media"
)

// DemucsSeparator runs a local demucs model instead of the hosted API.
// Slower on CPU, but free and offline.
type DemucsSeparator struct {
	cfg config.SeparationConfig
}

func NewDemucsSeparator(cfg config.SeparationConfig) *DemucsSeparator {
	return &DemucsSeparator{cfg: cfg}
}

func (d *DemucsSeparator) Separate(ctx context.Context, audioPath, outDir string) (media.StemSet, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.cfg.Demucs.Binary,
		"-n", d.cfg.Demucs.Model,
		"-o", outDir,
		audioPath,
	)

	var stderr strings.Builder
	cmd.Stderr = &stderr

	slog.Info("Running local stem separation", "model", d.cfg.Demucs.Model, "input", audioPath)

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, context.Canceled
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = "demucs exited with an error"
		}
		return nil, &Error{Detail: detail, Err: err}
	}

	// demucs writes <outDir>/<model>/<track>/<stem>.wav
	trackName := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	stemDir := filepath.Join(outDir, d.cfg.Demucs.Model, trackName)

	set := media.StemSet{}
	for _, name := range media.StemNames {
		path := filepath.Join(stemDir, name+".wav")
		if _, err := os.Stat(path); err != nil {
			return nil, &Error{Detail: fmt.Sprintf("expected stem file missing: %s", name)}
		}
		set[name] = path
	}

	return requireComplete(set)
}
