package httptransport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/juju/ratelimit"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/vertextoedge/fetchd/internal/domain"
	"github.com/vertextoedge/fetchd/internal/port"
)

// Config contains optional client configuration
type Config struct {
	UserAgent             string
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	BufferSizeMB          int   // Read/Write buffer size in MB (default: 1)
	MaxBytesPerSecond     int64 // 0 disables the bandwidth cap
	DisableResumeToken    bool
	EnableTracing         bool
}

// DefaultConfig returns default client configuration
func DefaultConfig() *Config {
	return &Config{
		UserAgent:             "fetchd/1.0",
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       120 * time.Second,
		BufferSizeMB:          1,
	}
}

// Client is a port.Transport over net/http
type Client struct {
	config     *Config
	httpClient *http.Client
	bucket     *ratelimit.Bucket
	logger     *zap.Logger
}

// Ensure Client implements port.Transport
var _ port.Transport = (*Client)(nil)

// NewClient creates a new download client
func NewClient(cfg *Config, logger *zap.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "fetchd/1.0"
	}
	if cfg.ResponseHeaderTimeout == 0 {
		cfg.ResponseHeaderTimeout = 30 * time.Second
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = 120 * time.Second
	}
	bufferSize := 1024 * 1024
	if cfg.BufferSizeMB > 0 {
		bufferSize = cfg.BufferSizeMB * 1024 * 1024
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,

		// Connection pooling
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     cfg.IdleConnTimeout,

		// Buffer sizes for high-speed transfers
		WriteBufferSize: bufferSize,
		ReadBufferSize:  bufferSize,

		ForceAttemptHTTP2: true,

		// Byte offsets must refer to the entity as stored, never a re-encoded body
		DisableCompression: true,

		// Response header timeout (not total download timeout)
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
	}

	var rt http.RoundTripper = transport
	if cfg.EnableTracing {
		rt = otelhttp.NewTransport(transport)
	}

	c := &Client{
		config: cfg,
		// No client timeout: downloads run for as long as their context allows
		httpClient: &http.Client{Transport: rt},
		logger:     logger.Named("transport"),
	}
	if cfg.MaxBytesPerSecond > 0 {
		c.bucket = ratelimit.NewBucketWithRate(float64(cfg.MaxBytesPerSecond), cfg.MaxBytesPerSecond)
	}
	return c
}

// Open performs a GET, optionally ranged and conditioned on a resume token
func (c *Client) Open(ctx context.Context, req port.FetchRequest) (*port.FetchResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)

	if req.Offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.Offset))

		if len(req.Token) > 0 {
			tok, err := decodeToken(req.Token)
			if err != nil {
				return nil, err
			}
			if v := tok.ifRangeValidator(); v != "" {
				httpReq.Header.Set("If-Range", v)
			}
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.NewTransportError("open", req.URL, 0, err)
	}

	out := &port.FetchResponse{
		StatusCode:   resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if resp.ContentLength > 0 {
			out.Total = resp.ContentLength
		}

	case http.StatusPartialContent:
		start, _, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok {
			// Offset unknown: reported as non-partial so callers start over
			c.logger.Warn("partial response without a usable Content-Range",
				zap.String("url", req.URL),
				zap.String("content_range", resp.Header.Get("Content-Range")))
			break
		}
		out.Partial = true
		out.RangeStart = start
		out.Total = total

	case http.StatusRequestedRangeNotSatisfiable:
		// "bytes */<length>" tells the caller how large the entity really is
		_, _, total, _ := parseContentRange(resp.Header.Get("Content-Range"))
		out.Total = total
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		out.Body = http.NoBody
		return out, nil

	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, domain.NewTransportError("open", req.URL, resp.StatusCode,
			fmt.Errorf("unexpected status %s", resp.Status))
	}

	out.Body = resp.Body
	if c.bucket != nil {
		out.Body = &limitedBody{Reader: ratelimit.Reader(resp.Body, c.bucket), Closer: resp.Body}
	}

	c.logger.Debug("response opened",
		zap.String("url", req.URL),
		zap.Int("status", resp.StatusCode),
		zap.Int64("offset", req.Offset),
		zap.Int64("total", out.Total))

	return out, nil
}

// SupportsResumeToken reports whether validator based token resume is enabled
func (c *Client) SupportsResumeToken() bool {
	return !c.config.DisableResumeToken
}

// Token captures the response validators so a later request can continue
// the same entity at offset
func (c *Client) Token(resp *port.FetchResponse, offset int64) []byte {
	if !c.SupportsResumeToken() || resp == nil {
		return nil
	}
	tok := resumeToken{
		Offset:       offset,
		ETag:         resp.ETag,
		LastModified: resp.LastModified,
	}
	if tok.ifRangeValidator() == "" {
		return nil
	}
	data, err := tok.encode()
	if err != nil {
		return nil
	}
	return data
}

// ValidateToken checks with a HEAD request that the entity the token was
// minted for is still the one served at url
func (c *Client) ValidateToken(ctx context.Context, url string, token []byte, offset int64) (bool, error) {
	if !c.SupportsResumeToken() || len(token) == 0 {
		return false, nil
	}

	tok, err := decodeToken(token)
	if err != nil || tok.Offset != offset {
		return false, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, domain.NewTransportError("validate token", url, 0, err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	if strings.EqualFold(resp.Header.Get("Accept-Ranges"), "none") {
		return false, nil
	}
	return tok.matches(resp.Header.Get("ETag"), resp.Header.Get("Last-Modified")), nil
}

// limitedBody keeps the original Close behind a rate-limited reader
type limitedBody struct {
	io.Reader
	io.Closer
}

// parseContentRange parses "bytes start-end/total". total is 0 when the
// server sends "*". The unsatisfied form "bytes */total" returns ok=false
// with total set.
func parseContentRange(header string) (start, end, total int64, ok bool) {
	const prefix = "bytes "
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, 0, false
	}
	spec := strings.TrimSpace(header[len(prefix):])

	slash := strings.LastIndex(spec, "/")
	if slash < 0 {
		return 0, 0, 0, false
	}
	rangePart, totalPart := spec[:slash], spec[slash+1:]

	if totalPart != "*" {
		t, err := strconv.ParseInt(totalPart, 10, 64)
		if err != nil || t < 0 {
			return 0, 0, 0, false
		}
		total = t
	}

	if rangePart == "*" {
		return 0, 0, total, false
	}

	dash := strings.Index(rangePart, "-")
	if dash < 0 {
		return 0, 0, total, false
	}
	s, err := strconv.ParseInt(rangePart[:dash], 10, 64)
	if err != nil {
		return 0, 0, total, false
	}
	e, err := strconv.ParseInt(rangePart[dash+1:], 10, 64)
	if err != nil || e < s {
		return 0, 0, total, false
	}
	return s, e, total, true
}
