// Package fetch implements the image acquisition collaborators: an HTTP
// downloader with content-hash dedup and an HTML page searcher. Both use
// Colly collectors so egress proxies and timeouts are handled uniformly.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/pixvault/harvester/internal/harvest"
	"github.com/pixvault/harvester/internal/proxy"
	"github.com/pixvault/harvester/internal/retry"
)

// DownloaderConfig controls fetch behavior and artifact placement.
type DownloaderConfig struct {
	Dir       string
	UserAgent string
	Timeout   time.Duration
}

// Downloader fetches images over HTTP and stores them under one
// directory per label. Files are named by content hash, so refetching the
// same bytes is detected as a duplicate.
type Downloader struct {
	cfg    DownloaderConfig
	logger *zap.Logger

	mu   sync.Mutex
	seen map[string]string
}

// NewDownloader builds a Downloader rooted at cfg.Dir.
func NewDownloader(cfg DownloaderConfig, logger *zap.Logger) (*Downloader, error) {
	if cfg.Dir == "" {
		cfg.Dir = "data"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Downloader{
		cfg:    cfg,
		logger: logger,
		seen:   make(map[string]string),
	}, nil
}

// FetchAndStore downloads one image, optionally through the given egress
// proxy, and writes it under Dir/label. A body already stored for the
// label is reported as a duplicate.
func (d *Downloader) FetchAndStore(ctx context.Context, rawURL, label string, egress *proxy.Record) (harvest.DownloadResult, error) {
	body, err := d.fetch(ctx, rawURL, egress)
	if err != nil {
		return harvest.DownloadResult{Status: harvest.DownloadStatusFailed, Message: err.Error()}, err
	}

	sum := sha256.Sum256(body)
	artifactID := hex.EncodeToString(sum[:])
	key := label + "/" + artifactID

	d.mu.Lock()
	if existing, ok := d.seen[key]; ok {
		d.mu.Unlock()
		return harvest.DownloadResult{
			Status:     harvest.DownloadStatusDuplicate,
			Message:    "identical content already stored",
			ArtifactID: existing,
		}, nil
	}
	d.mu.Unlock()

	dir := filepath.Join(d.cfg.Dir, sanitizeLabel(label))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return harvest.DownloadResult{}, retry.Permanent(fmt.Errorf("create label dir: %w", err))
	}
	name := artifactID + extensionFor(rawURL)
	if err := os.WriteFile(filepath.Join(dir, name), body, 0o644); err != nil {
		return harvest.DownloadResult{}, retry.Permanent(fmt.Errorf("write artifact: %w", err))
	}

	d.mu.Lock()
	d.seen[key] = artifactID
	d.mu.Unlock()

	d.logger.Debug("artifact stored",
		zap.String("label", label),
		zap.String("artifact_id", artifactID),
		zap.Int("bytes", len(body)))
	return harvest.DownloadResult{Status: harvest.DownloadStatusDownloaded, ArtifactID: artifactID}, nil
}

func (d *Downloader) fetch(ctx context.Context, rawURL string, egress *proxy.Record) ([]byte, error) {
	collector, err := d.newCollector(egress)
	if err != nil {
		return nil, err
	}

	var (
		body     []byte
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		body = r.Body
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			fetchErr = &retry.StatusError{Code: r.StatusCode, Message: err.Error()}
			return
		}
		fetchErr = retry.Transient(err)
	})

	if err := collector.Visit(rawURL); err != nil {
		if fetchErr != nil {
			return nil, fetchErr
		}
		return nil, retry.Transient(fmt.Errorf("visit %s: %w", rawURL, err))
	}
	collector.Wait()
	if fetchErr != nil {
		return nil, fetchErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, retry.Transient(fmt.Errorf("empty response from %s", rawURL))
	}
	return body, nil
}

func (d *Downloader) newCollector(egress *proxy.Record) (*colly.Collector, error) {
	opts := []colly.CollectorOption{colly.AllowURLRevisit()}
	if d.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(d.cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)
	c.SetRequestTimeout(d.cfg.Timeout)
	if egress != nil {
		if err := c.SetProxy(egress.URL().String()); err != nil {
			return nil, retry.Transient(fmt.Errorf("set proxy %s: %w", egress.Addr(), err))
		}
	}
	return c, nil
}

func sanitizeLabel(label string) string {
	label = strings.TrimSpace(strings.ToLower(label))
	label = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, label)
	if label == "" {
		return "unlabeled"
	}
	return label
}

func extensionFor(rawURL string) string {
	ext := strings.ToLower(path.Ext(rawURL))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp":
		return ext
	default:
		return ".img"
	}
}
