package scripts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
)

// maxScriptBytes caps a fetched script.
const maxScriptBytes = 16 << 20

// Fetcher retrieves the raw bytes of a script.
type Fetcher interface {
	Fetch(ctx context.Context, src string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, src string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, src string) ([]byte, error) {
	return f(ctx, src)
}

// SchemeFetcher routes a source to the Fetcher registered for its URL scheme.
type SchemeFetcher map[string]Fetcher

func (m SchemeFetcher) Fetch(ctx context.Context, src string) ([]byte, error) {
	u, err := url.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("invalid script source %q: %w", src, err)
	}
	f, ok := m[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("no fetcher for scheme %q", u.Scheme)
	}
	return f.Fetch(ctx, src)
}

// HTTPFetcher downloads scripts over http and https.
type HTTPFetcher struct {
	Client *http.Client
}

func (f HTTPFetcher) Fetch(ctx context.Context, src string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return readLimited(resp.Body)
}

// FileFetcher reads file:// sources from the local filesystem.
type FileFetcher struct{}

func (FileFetcher) Fetch(_ context.Context, src string) ([]byte, error) {
	u, err := url.Parse(src)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(u.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readLimited(f)
}

func readLimited(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxScriptBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxScriptBytes {
		return nil, fmt.Errorf("script exceeds %d bytes", maxScriptBytes)
	}
	return b, nil
}

// splitBucketURL splits scheme://bucket/key sources.
func splitBucketURL(src string) (bucket, key string, err error) {
	u, err := url.Parse(src)
	if err != nil {
		return "", "", err
	}
	key = u.Path
	if len(key) > 0 && key[0] == '/' {
		key = key[1:]
	}
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("source %q must be %s://bucket/key", src, u.Scheme)
	}
	return u.Host, key, nil
}
