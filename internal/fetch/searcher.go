package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/pixvault/harvester/internal/harvest"
	"github.com/pixvault/harvester/internal/retry"
)

// ErrNoProvider is returned when no search endpoint is configured.
var ErrNoProvider = errors.New("no search provider configured")

// SearcherConfig points at an HTML search endpoint. URLTemplate must
// contain %s, replaced with the escaped query.
type SearcherConfig struct {
	URLTemplate string
	UserAgent   string
	Timeout     time.Duration
}

// HTMLSearcher discovers candidate image URLs by scraping img tags from a
// search results page.
type HTMLSearcher struct {
	cfg    SearcherConfig
	logger *zap.Logger
}

// NewHTMLSearcher builds an HTMLSearcher.
func NewHTMLSearcher(cfg SearcherConfig, logger *zap.Logger) *HTMLSearcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTMLSearcher{cfg: cfg, logger: logger}
}

// Search scrapes the results page for the query and returns up to
// maxResults absolute image URLs.
func (s *HTMLSearcher) Search(ctx context.Context, query string, maxResults int) ([]harvest.SearchHit, error) {
	if s.cfg.URLTemplate == "" {
		return nil, retry.Permanent(ErrNoProvider)
	}
	target := fmt.Sprintf(s.cfg.URLTemplate, url.QueryEscape(query))
	source := "unknown"
	if u, err := url.Parse(target); err == nil {
		source = strings.ToLower(u.Hostname())
	}

	opts := []colly.CollectorOption{colly.AllowURLRevisit()}
	if s.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(s.cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)
	c.SetRequestTimeout(s.cfg.Timeout)

	var (
		hits     []harvest.SearchHit
		seen     = map[string]struct{}{}
		scrapeEr error
	)
	c.OnHTML("img[src]", func(e *colly.HTMLElement) {
		if len(hits) >= maxResults {
			return
		}
		abs := e.Request.AbsoluteURL(e.Attr("src"))
		if abs == "" || !strings.HasPrefix(abs, "http") {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		hits = append(hits, harvest.SearchHit{URL: abs, Source: source})
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			scrapeEr = &retry.StatusError{Code: r.StatusCode, Message: err.Error()}
			return
		}
		scrapeEr = retry.Transient(err)
	})

	if err := c.Visit(target); err != nil {
		if scrapeEr != nil {
			return nil, scrapeEr
		}
		return nil, retry.Transient(fmt.Errorf("visit search page: %w", err))
	}
	c.Wait()
	if scrapeEr != nil {
		return nil, scrapeEr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.logger.Debug("search scraped",
		zap.String("query", query),
		zap.String("source", source),
		zap.Int("hits", len(hits)))
	return hits, nil
}
