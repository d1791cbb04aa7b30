package resolver

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/stemfetch/stemfetch/internal/media"
)

var mediaExtensions = []string{".wav", ".mp3", ".mp4", ".m4a", ".webm", ".flac"}

var rawLinkPattern = regexp.MustCompile(`https?://[^\s"'<>]+\.(?:wav|mp3|mp4|m4a|webm|flac)\b`)

// extractDirectLink scans rendered page HTML for the generated download
// link. It checks anchors and data attributes first, then falls back to
// raw URLs embedded in scripts. Links pointing back into the resolver
// site itself are never download links.
func extractDirectLink(html, pageURL string) *media.ResolvedLink {
	pageHost := hostOf(pageURL)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var link *media.ResolvedLink
	doc.Find("a[href], [data-url]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok {
			href, _ = sel.Attr("data-url")
		}
		if !isDownloadURL(href, pageHost) {
			return true
		}

		name := strings.TrimSpace(sel.AttrOr("download", ""))
		if name == "" {
			name = strings.TrimSpace(sel.AttrOr("title", ""))
		}
		link = newResolvedLink(href, name)
		return false
	})
	if link != nil {
		return link
	}

	// Some converter pages keep the link in script state rather than in
	// the DOM.
	for _, match := range rawLinkPattern.FindAllString(html, -1) {
		if isDownloadURL(match, pageHost) {
			return newResolvedLink(match, "")
		}
	}

	return nil
}

// isDownloadURL applies the filter rules for plausible direct links:
// absolute, long enough to carry a token, not the resolver site itself,
// and either a media file or an obvious download endpoint.
func isDownloadURL(raw, pageHost string) bool {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return false
	}
	if len(raw) < 40 {
		return false
	}
	if host := hostOf(raw); host == "" || host == pageHost {
		return false
	}

	lower := strings.ToLower(raw)
	for _, ext := range mediaExtensions {
		if strings.Contains(lower, ext) {
			return true
		}
	}
	if strings.Contains(lower, "download") {
		for _, marker := range []string{"api", "cdn", "storage", "/get"} {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}

func newResolvedLink(directURL, suggestedName string) *media.ResolvedLink {
	format := formatOf(directURL)
	if suggestedName == "" {
		suggestedName = filenameFromURL(directURL, format)
	}
	return &media.ResolvedLink{
		DirectURL:         directURL,
		SuggestedFilename: suggestedName,
		Format:            format,
	}
}

func formatOf(raw string) string {
	lower := strings.ToLower(raw)
	for _, ext := range mediaExtensions {
		if strings.Contains(lower, ext) {
			return strings.TrimPrefix(ext, ".")
		}
	}
	return "mp4"
}

func filenameFromURL(raw, format string) string {
	if u, err := url.Parse(raw); err == nil {
		base := path.Base(u.Path)
		if base != "" && base != "/" && base != "." && strings.Contains(base, ".") {
			return base
		}
	}
	return "media." + format
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
