package processor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const maxCoverBytes = 10 << 20

// CoverFetcher downloads album art, rate-limited so a burst of short tracks
// doesn't hammer the image CDN.
type CoverFetcher struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewCoverFetcher creates a fetcher allowing one download per interval.
func NewCoverFetcher(interval time.Duration) *CoverFetcher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &CoverFetcher{
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Fetch downloads url into dir and returns the file path. The caller removes
// the file.
func (c *CoverFetcher) Fetch(ctx context.Context, url, dir string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build cover request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download cover: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download cover: status %d", resp.StatusCode)
	}
	ext := ".jpg"
	switch ct := resp.Header.Get("Content-Type"); {
	case strings.HasPrefix(ct, "image/png"):
		ext = ".png"
	case strings.HasPrefix(ct, "image/jpeg"), ct == "":
	default:
		return "", fmt.Errorf("download cover: unexpected content type %q", ct)
	}

	path := filepath.Join(dir, "cover-"+uuid.NewString()+ext)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create cover file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(resp.Body, maxCoverBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > maxCoverBytes {
		err = fmt.Errorf("cover larger than %d bytes", maxCoverBytes)
	}
	if err == nil && n == 0 {
		err = fmt.Errorf("empty cover")
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("save cover: %w", err)
	}
	return path, nil
}
