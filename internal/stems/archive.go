package stems

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/stemfetch/stemfetch/internal/media"
)

// WriteArchive writes the stem set, plus the original audio, into a ZIP
// at zipPath. Entry names are fixed and predictable: vocals.wav,
// drums.wav, bass.wav, other.wav, original.<ext>.
func WriteArchive(zipPath string, set media.StemSet, originalPath string) error {
	if !set.Complete() {
		return &Error{Detail: "refusing to archive an incomplete stem set"}
	}

	out, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	zipWriter := zip.NewWriter(out)

	for _, name := range media.StemNames {
		if err := addFileToZip(zipWriter, set[name], name+".wav"); err != nil {
			zipWriter.Close()
			return err
		}
	}

	if originalPath != "" {
		entryName := "original" + filepath.Ext(originalPath)
		if err := addFileToZip(zipWriter, originalPath, entryName); err != nil {
			zipWriter.Close()
			return err
		}
	}

	return zipWriter.Close()
}

// addFileToZip adds a single file to the ZIP archive under entryName.
func addFileToZip(zipWriter *zip.Writer, filePath, entryName string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", filePath, err)
	}
	defer file.Close()

	zipEntry, err := zipWriter.Create(entryName)
	if err != nil {
		return fmt.Errorf("failed to create ZIP entry %s: %w", entryName, err)
	}

	if _, err := io.Copy(zipEntry, file); err != nil {
		return fmt.Errorf("failed to write %s to ZIP: %w", entryName, err)
	}

	return nil
}
