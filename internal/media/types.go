// Package media holds the request-scoped entities passed between the
// resolver, fetcher, and separation stages. Nothing here is persisted;
// every value lives and dies with a single request.
package media

import "os"

// ResolvedLink is a direct, short-lived download URL produced by a
// resolver. It must be consumed immediately; the third-party links
// expire quickly and are never cached.
type ResolvedLink struct {
	DirectURL         string
	SuggestedFilename string
	Format            string
}

// FetchedMedia is a downloaded file on local disk, owned exclusively by
// the request that created it.
type FetchedMedia struct {
	Path        string
	ContentType string
	Size        int64
}

// Remove deletes the underlying file. Safe to call on a zero value.
func (m *FetchedMedia) Remove() error {
	if m == nil || m.Path == "" {
		return nil
	}
	return os.Remove(m.Path)
}

// Stem names produced by every separation backend, in archive order.
const (
	StemVocals = "vocals"
	StemDrums  = "drums"
	StemBass   = "bass"
	StemOther  = "other"
)

// StemNames lists the four stems every successful separation must yield.
var StemNames = []string{StemVocals, StemDrums, StemBass, StemOther}

// StemSet maps stem names to local file paths. A valid set contains
// exactly the four entries in StemNames.
type StemSet map[string]string

// Complete reports whether every required stem is present.
func (s StemSet) Complete() bool {
	for _, name := range StemNames {
		if s[name] == "" {
			return false
		}
	}
	return true
}
