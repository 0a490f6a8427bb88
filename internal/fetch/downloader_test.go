package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pixvault/harvester/internal/harvest"
	"github.com/pixvault/harvester/internal/retry"
)

func newDownloader(t *testing.T) *Downloader {
	t.Helper()
	d, err := NewDownloader(DownloaderConfig{Dir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	return d
}

func TestFetchAndStore(t *testing.T) {
	t.Parallel()

	payload := []byte("not really a jpeg")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	d := newDownloader(t)
	res, err := d.FetchAndStore(context.Background(), srv.URL+"/cat.jpg", "cats", nil)
	require.NoError(t, err)
	assert.Equal(t, harvest.DownloadStatusDownloaded, res.Status)

	sum := sha256.Sum256(payload)
	wantID := hex.EncodeToString(sum[:])
	assert.Equal(t, wantID, res.ArtifactID)

	stored, err := os.ReadFile(filepath.Join(d.cfg.Dir, "cats", wantID+".jpg"))
	require.NoError(t, err)
	assert.Equal(t, payload, stored)
}

func TestFetchAndStoreDuplicate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("same bytes every time"))
	}))
	t.Cleanup(srv.Close)

	d := newDownloader(t)
	ctx := context.Background()

	first, err := d.FetchAndStore(ctx, srv.URL+"/a.png", "cats", nil)
	require.NoError(t, err)
	require.Equal(t, harvest.DownloadStatusDownloaded, first.Status)

	// Same bytes under the same label: detected, not re-stored.
	second, err := d.FetchAndStore(ctx, srv.URL+"/b.png", "cats", nil)
	require.NoError(t, err)
	assert.Equal(t, harvest.DownloadStatusDuplicate, second.Status)
	assert.Equal(t, first.ArtifactID, second.ArtifactID)

	// A different label keeps its own namespace.
	third, err := d.FetchAndStore(ctx, srv.URL+"/a.png", "dogs", nil)
	require.NoError(t, err)
	assert.Equal(t, harvest.DownloadStatusDownloaded, third.Status)
}

func TestFetchAndStoreHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	d := newDownloader(t)
	res, err := d.FetchAndStore(context.Background(), srv.URL+"/missing.jpg", "cats", nil)
	require.Error(t, err)
	assert.Equal(t, harvest.DownloadStatusFailed, res.Status)

	var statusErr *retry.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Equal(t, retry.ClassPermanent, retry.Classify(err))
}

func TestFetchAndStoreConnectionFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	d := newDownloader(t)
	_, err := d.FetchAndStore(context.Background(), srv.URL+"/cat.jpg", "cats", nil)
	require.Error(t, err)
	assert.Equal(t, retry.ClassTransient, retry.Classify(err))
}

func TestFetchAndStoreEmptyBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	d := newDownloader(t)
	_, err := d.FetchAndStore(context.Background(), srv.URL+"/empty.jpg", "cats", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty response")
	assert.Equal(t, retry.ClassTransient, retry.Classify(err))
}

func TestSanitizeLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"cats", "cats"},
		{"  Tabby Cats ", "tabby_cats"},
		{"r&d/2024", "r_d_2024"},
		{"", "unlabeled"},
		{"///", "___"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeLabel(tt.in), "label %q", tt.in)
	}
}

func TestExtensionFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ".jpg", extensionFor("https://x.test/a.jpg"))
	assert.Equal(t, ".jpeg", extensionFor("https://x.test/a.JPEG"))
	assert.Equal(t, ".webp", extensionFor("https://x.test/a.webp"))
	assert.Equal(t, ".img", extensionFor("https://x.test/a"))
	assert.Equal(t, ".img", extensionFor("https://x.test/a.php"))
}
