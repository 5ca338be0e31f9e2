// Package hub resolves pretrained resource locations to local files,
// downloading remote ones into a cache directory once.
package hub

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/jmorganca/zoo/envconfig"
	"github.com/jmorganca/zoo/progress"
)

var ErrOffline = errors.New("offline and not cached")

type Client struct {
	// Dir holds downloaded files.
	Dir string

	// Offline disables downloads; only cached files resolve.
	Offline bool

	HTTP *http.Client

	// Progress, when set, renders a bar per download.
	Progress *progress.Progress

	// Attempts bounds the tries per download. Zero tries once.
	Attempts int

	// flights, when set, dedupes downloads across clients.
	flights *singleflight.Group
	group   singleflight.Group
}

// NewClient returns a client configured from the environment.
func NewClient() *Client {
	return &Client{
		Dir:      envconfig.Cache,
		Offline:  envconfig.Offline,
		HTTP:     http.DefaultClient,
		Attempts: 3,
	}
}

var downloads singleflight.Group

// CachedPath resolves s with a client configured from the environment as
// it is at call time.
func CachedPath(ctx context.Context, s string) (string, error) {
	c := NewClient()
	c.flights = &downloads
	return c.CachedPath(ctx, s)
}

func isRemote(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// cacheName is a stable file name for u that keeps the original base name
// readable.
func cacheName(u string) string {
	sum := blake2b.Sum256([]byte(u))
	name := hex.EncodeToString(sum[:16])

	if p, err := url.Parse(u); err == nil {
		if base := path.Base(p.Path); base != "." && base != "/" {
			name += "-" + base
		}
	}

	return name
}

// Stat reports the local file behind s without downloading it. Remote URLs
// that are not cached yet return an error satisfying os.ErrNotExist.
func (c *Client) Stat(s string) (os.FileInfo, error) {
	if isRemote(s) {
		s = filepath.Join(c.Dir, cacheName(s))
	}
	return os.Stat(s)
}

// CachedPath returns a local path for s. Local paths are returned as is
// when they exist. Remote URLs are downloaded into Dir on first use;
// concurrent requests for the same URL share one download.
func (c *Client) CachedPath(ctx context.Context, s string) (string, error) {
	if s == "" {
		return "", errors.New("empty resource path")
	}

	if !isRemote(s) {
		if _, err := os.Stat(s); err != nil {
			return "", err
		}
		return s, nil
	}

	p := filepath.Join(c.Dir, cacheName(s))
	if _, err := os.Stat(p); err == nil {
		slog.Debug("using cached resource", "url", s, "path", p)
		return p, nil
	}

	if c.Offline {
		return "", fmt.Errorf("%w: %s", ErrOffline, s)
	}

	g := c.flights
	if g == nil {
		g = &c.group
	}

	_, err, _ := g.Do(p, func() (any, error) {
		if _, err := os.Stat(p); err == nil {
			return nil, nil
		}
		return nil, retry(ctx, c.Attempts, 5*time.Second, func() error {
			return c.download(ctx, s, p)
		})
	})
	if err != nil {
		return "", err
	}

	return p, nil
}

// download fetches u into p, resuming a partial file when the server
// honors range requests.
func (c *Client) download(ctx context.Context, u, p string) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("make cache directory: %w", err)
	}

	partial := p + "-partial"

	var size int64
	fi, err := os.Stat(partial)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// noop, file doesn't exist so create it
	case err != nil:
		return fmt.Errorf("stat: %w", err)
	default:
		size = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	if size > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", size))
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusOK:
		// the server ignored the range, start over
		size = 0
		flags |= os.O_TRUNC
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{URL: u, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	out, err := os.OpenFile(partial, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer out.Close()

	var w io.Writer = out
	if c.Progress != nil {
		remaining, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
		bar := progress.NewBar(fmt.Sprintf("pulling %s", path.Base(u)), size+remaining, size)
		c.Progress.Add(bar)
		w = io.MultiWriter(out, bar)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return fmt.Errorf("download %s: %w", u, err)
	}

	if err := out.Close(); err != nil {
		return err
	}

	if err := os.Rename(partial, p); err != nil {
		return err
	}

	slog.Info("downloaded", "url", u, "path", p, "bytes", size+n)
	return nil
}
