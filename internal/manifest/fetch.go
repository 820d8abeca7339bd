package manifest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"
)

// maxManifestBytes caps how much of a manifest is read.
const maxManifestBytes = 4 << 20

// Fetcher loads manifests over http, https or from file:// URLs.
type Fetcher struct {
	Client *http.Client
}

// Fetch loads and parses the manifest at rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*MPD, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("manifest: invalid url: %w", err)
	}

	var data []byte
	switch u.Scheme {
	case "file":
		data, err = readFile(u.Path)
	case "http", "https":
		data, err = f.get(ctx, rawURL)
	default:
		return nil, fmt.Errorf("manifest: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	return Parse(data, rawURL)
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("manifest: build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("manifest: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest: fetch: unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("manifest: read body: %w", err)
	}
	return data, nil
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: open: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("manifest: read: %w", err)
	}
	return data, nil
}

// ResolveAudio fetches the manifest at rawURL and returns the media URL of
// the first representation of its audio track.
func ResolveAudio(ctx context.Context, f *Fetcher, rawURL string) (string, error) {
	if f == nil {
		f = &Fetcher{}
	}
	m, err := f.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	urls, err := m.AudioURLs()
	if err != nil {
		return "", err
	}
	slog.Debug("manifest: resolved audio", "manifest", rawURL, "media", urls[0], "representations", len(urls))
	return urls[0], nil
}
