// Package upstream wraps the two third-party services behind small clients
// that return raw status, headers and body. Transport failures come back as
// errors; every HTTP status, including 4xx and 5xx, is a Response.
package upstream

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"resty.dev/v3"
)

const defaultMaxResponseBytes int64 = 4 << 20

// Response is an upstream reply with its body fully read and decoded.
type Response struct {
	Status int
	Body   []byte
	Header http.Header
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Options configures a client.
type Options struct {
	URL              string
	Timeout          time.Duration
	Headers          map[string]string
	MaxResponseBytes int64
	Logger           *slog.Logger
	// Transport replaces the default round tripper; tests point it at httptest servers.
	Transport http.RoundTripper
}

type client struct {
	name     string
	endpoint string
	http     *resty.Client
	headers  atomic.Pointer[map[string]string]
}

func newClient(opts Options) (*client, error) {
	endpoint := strings.TrimSpace(opts.URL)
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse url %q: %w", opts.URL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("upstream: url %q must be absolute", opts.URL)
	}

	limit := opts.MaxResponseBytes
	if limit <= 0 {
		limit = defaultMaxResponseBytes
	}

	rc := resty.New().
		SetTimeout(opts.Timeout).
		SetResponseBodyLimit(limit).
		SetResponseBodyUnlimitedReads(true).
		AddContentDecompresser("br", decompressBrotli)
	if opts.Logger != nil {
		rc.SetLogger(restyLogger{logger: opts.Logger})
	}
	if opts.Transport != nil {
		rc.SetTransport(opts.Transport)
	}

	c := &client{
		name:     hostLabel(parsed.Hostname()),
		endpoint: endpoint,
		http:     rc,
	}
	c.setHeaders(opts.Headers)
	return c, nil
}

func (c *client) setHeaders(headers map[string]string) {
	snapshot := make(map[string]string, len(headers))
	for name, value := range headers {
		if strings.TrimSpace(name) == "" {
			continue
		}
		snapshot[name] = value
	}
	c.headers.Store(&snapshot)
}

func (c *client) currentHeaders() map[string]string {
	if h := c.headers.Load(); h != nil {
		return *h
	}
	return nil
}

func (c *client) close() error {
	return c.http.Close()
}

func toResponse(resp *resty.Response, err error) (Response, error) {
	if err != nil {
		return Response{}, err
	}
	if resp == nil {
		return Response{}, errors.New("upstream: empty response")
	}
	return Response{
		Status: resp.StatusCode(),
		Body:   resp.Bytes(),
		Header: resp.Header().Clone(),
	}, nil
}

// hostLabel names an upstream by its registrable host: www.google.com -> google.com.
func hostLabel(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

type brotliReadCloser struct {
	*brotli.Reader
	src io.Closer
}

func (b brotliReadCloser) Close() error {
	return b.src.Close()
}

func decompressBrotli(r io.ReadCloser) (io.ReadCloser, error) {
	return brotliReadCloser{Reader: brotli.NewReader(r), src: r}, nil
}

type restyLogger struct {
	logger *slog.Logger
}

func (l restyLogger) Errorf(format string, v ...any) {
	l.logger.Error(fmt.Sprintf(format, v...), slog.String("source", "resty"))
}

func (l restyLogger) Warnf(format string, v ...any) {
	l.logger.Warn(fmt.Sprintf(format, v...), slog.String("source", "resty"))
}

func (l restyLogger) Debugf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...), slog.String("source", "resty"))
}
