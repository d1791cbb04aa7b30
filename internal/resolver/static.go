package resolver

import (
	"context"
	"net/url"

	"github.com/gocolly/colly"

	"github.com/stemfetch/stemfetch/config"
	"github.com/stemfetch/stemfetch/internal/media"
)

// StaticResolver scrapes converter pages that render the download link
// server-side, so no browser is needed. Useful for mirror sites and as
// a lighter deployment mode where Chrome is unavailable.
type StaticResolver struct {
	cfg config.ResolverConfig
}

func NewStaticResolver(cfg config.ResolverConfig) *StaticResolver {
	return &StaticResolver{cfg: cfg}
}

func (r *StaticResolver) Resolve(ctx context.Context, sourceURL string) (*media.ResolvedLink, error) {
	c := colly.NewCollector(colly.AllowURLRevisit())
	c.SetRequestTimeout(r.cfg.WaitTimeout)

	c.OnRequest(func(req *colly.Request) {
		req.Headers.Set("User-Agent", browserUserAgent)
		req.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		req.Headers.Set("Referer", r.cfg.PageURL)
	})

	var html string
	c.OnResponse(func(resp *colly.Response) {
		html = string(resp.Body)
	})

	target := r.cfg.PageURL + "?url=" + url.QueryEscape(sourceURL)
	if err := c.Visit(target); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Reason: "could not load converter page", Err: err}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	link := extractDirectLink(html, r.cfg.PageURL)
	if link == nil {
		return nil, &Error{Reason: "no download link in page"}
	}
	return link, nil
}
