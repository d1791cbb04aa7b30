package stems

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemfetch/stemfetch/config"
	"github.com/stemfetch/stemfetch/internal/media"
)

// writeStubDemucs creates a shell script mimicking the demucs CLI: it
// writes the expected stem layout under the -o directory.
func writeStubDemucs(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "demucs")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func demucsConfig(binary string) config.SeparationConfig {
	return config.SeparationConfig{
		Timeout: time.Minute,
		Demucs:  config.DemucsConfig{Binary: binary, Model: "htdemucs"},
	}
}

func TestDemucsSeparateSuccess(t *testing.T) {
	stub := writeStubDemucs(t, `
model="$2"
out="$4"
track=$(basename "$5")
track="${track%.*}"
mkdir -p "$out/$model/$track"
for stem in vocals drums bass other; do
  echo "$stem" > "$out/$model/$track/$stem.wav"
done
`)

	sep := NewDemucsSeparator(demucsConfig(stub))
	set, err := sep.Separate(context.Background(), writeAudioFile(t), t.TempDir())
	require.NoError(t, err)

	assert.True(t, set.Complete())
	for _, name := range media.StemNames {
		assert.FileExists(t, set[name])
	}
}

func TestDemucsSeparateMissingStem(t *testing.T) {
	stub := writeStubDemucs(t, `
model="$2"
out="$4"
track=$(basename "$5")
track="${track%.*}"
mkdir -p "$out/$model/$track"
echo vocals > "$out/$model/$track/vocals.wav"
`)

	sep := NewDemucsSeparator(demucsConfig(stub))
	_, err := sep.Separate(context.Background(), writeAudioFile(t), t.TempDir())

	var sepErr *Error
	require.ErrorAs(t, err, &sepErr)
	assert.Contains(t, sepErr.Detail, "missing")
}

func TestDemucsSeparateCommandFailure(t *testing.T) {
	stub := writeStubDemucs(t, `
echo "CUDA out of memory" >&2
exit 1
`)

	sep := NewDemucsSeparator(demucsConfig(stub))
	_, err := sep.Separate(context.Background(), writeAudioFile(t), t.TempDir())

	var sepErr *Error
	require.ErrorAs(t, err, &sepErr)
	assert.Contains(t, sepErr.Detail, "CUDA out of memory")
}

func TestDemucsSeparateTimeout(t *testing.T) {
	stub := writeStubDemucs(t, "sleep 5\n")

	cfg := demucsConfig(stub)
	cfg.Timeout = 50 * time.Millisecond
	sep := NewDemucsSeparator(cfg)

	_, err := sep.Separate(context.Background(), writeAudioFile(t), t.TempDir())
	assert.ErrorIs(t, err, ErrTimeout)
}
