package httptransport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vertextoedge/fetchd/internal/domain"
	"github.com/vertextoedge/fetchd/internal/port"
)

var modTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 253)
	}
	return b
}

// rangeServer serves data with Range/If-Range support. The ETag can be
// swapped mid-test to simulate the remote file changing.
func rangeServer(t *testing.T, data []byte, etag *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if etag != nil {
			w.Header().Set("ETag", etag.Load().(string))
		}
		http.ServeContent(w, r, "asset.bin", modTime, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(cfg *Config) *Client {
	return NewClient(cfg, zap.NewNop())
}

func readAll(t *testing.T, resp *port.FetchResponse) []byte {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return b
}

func TestClient_OpenFull(t *testing.T) {
	data := payload(5000)
	srv := rangeServer(t, data, nil)

	resp, err := newTestClient(nil).Open(context.Background(), port.FetchRequest{URL: srv.URL})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, resp.Partial)
	assert.Equal(t, int64(5000), resp.Total)
	assert.Equal(t, data, readAll(t, resp))
}

func TestClient_OpenRange(t *testing.T) {
	data := payload(5000)
	srv := rangeServer(t, data, nil)

	resp, err := newTestClient(nil).Open(context.Background(), port.FetchRequest{URL: srv.URL, Offset: 1200})
	require.NoError(t, err)

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.True(t, resp.Partial)
	assert.Equal(t, int64(1200), resp.RangeStart)
	assert.Equal(t, int64(5000), resp.Total)
	assert.Equal(t, data[1200:], readAll(t, resp))
}

func TestClient_OpenRangeIgnoredByServer(t *testing.T) {
	data := payload(3000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	resp, err := newTestClient(nil).Open(context.Background(), port.FetchRequest{URL: srv.URL, Offset: 1000})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, resp.Partial)
	assert.Equal(t, data, readAll(t, resp))
}

func TestClient_OpenPartialWithoutContentRange(t *testing.T) {
	data := payload(3000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[1000:])
	}))
	defer srv.Close()

	resp, err := newTestClient(nil).Open(context.Background(), port.FetchRequest{URL: srv.URL, Offset: 1000})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.False(t, resp.Partial)
	assert.Zero(t, resp.RangeStart)
	assert.Zero(t, resp.Total)
}

func TestClient_OpenRangeNotSatisfiable(t *testing.T) {
	data := payload(3000)
	srv := rangeServer(t, data, nil)

	resp, err := newTestClient(nil).Open(context.Background(), port.FetchRequest{URL: srv.URL, Offset: 3000})
	require.NoError(t, err)

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
	assert.Equal(t, int64(3000), resp.Total)
	assert.Empty(t, readAll(t, resp))
}

func TestClient_OpenErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newTestClient(nil).Open(context.Background(), port.FetchRequest{URL: srv.URL})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))

	var te *domain.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
}

func TestClient_OpenConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(nil).Open(context.Background(), port.FetchRequest{URL: url})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}

func TestClient_TokenRoundTrip(t *testing.T) {
	data := payload(4000)
	var etag atomic.Value
	etag.Store(`"v1"`)
	srv := rangeServer(t, data, &etag)
	client := newTestClient(nil)
	ctx := context.Background()

	resp, err := client.Open(ctx, port.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	resp.Body.Close()

	token := client.Token(resp, 1500)
	require.NotNil(t, token)

	valid, err := client.ValidateToken(ctx, srv.URL, token, 1500)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = client.ValidateToken(ctx, srv.URL, token, 1600)
	require.NoError(t, err)
	assert.False(t, valid, "offset mismatch")

	resumed, err := client.Open(ctx, port.FetchRequest{URL: srv.URL, Offset: 1500, Token: token})
	require.NoError(t, err)
	assert.True(t, resumed.Partial)
	assert.Equal(t, data[1500:], readAll(t, resumed))

	etag.Store(`"v2"`)

	valid, err = client.ValidateToken(ctx, srv.URL, token, 1500)
	require.NoError(t, err)
	assert.False(t, valid, "entity changed")

	// If-Range with a stale validator yields the whole new entity
	changed, err := client.Open(ctx, port.FetchRequest{URL: srv.URL, Offset: 1500, Token: token})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, changed.StatusCode)
	assert.False(t, changed.Partial)
	assert.Equal(t, data, readAll(t, changed))
}

func TestClient_TokenDisabled(t *testing.T) {
	data := payload(100)
	var etag atomic.Value
	etag.Store(`"v1"`)
	srv := rangeServer(t, data, &etag)
	client := newTestClient(&Config{DisableResumeToken: true})

	resp, err := client.Open(context.Background(), port.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	resp.Body.Close()

	assert.False(t, client.SupportsResumeToken())
	assert.Nil(t, client.Token(resp, 10))

	valid, err := client.ValidateToken(context.Background(), srv.URL, []byte(`{"offset":10,"etag":"\"v1\""}`), 10)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestClient_TokenWithoutValidators(t *testing.T) {
	client := newTestClient(nil)
	assert.Nil(t, client.Token(&port.FetchResponse{StatusCode: http.StatusOK}, 10))
	assert.Nil(t, client.Token(&port.FetchResponse{ETag: `W/"weak"`}, 10))
}

func TestClient_BandwidthCapStillDeliversBody(t *testing.T) {
	data := payload(8192)
	srv := rangeServer(t, data, nil)
	client := newTestClient(&Config{MaxBytesPerSecond: 1 << 30})

	resp, err := client.Open(context.Background(), port.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, data, readAll(t, resp))
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header    string
		wantStart int64
		wantEnd   int64
		wantTotal int64
		wantOK    bool
	}{
		{"bytes 200-1023/1024", 200, 1023, 1024, true},
		{"bytes 0-0/1", 0, 0, 1, true},
		{"bytes 100-199/*", 100, 199, 0, true},
		{"bytes */5000", 0, 0, 5000, false},
		{"", 0, 0, 0, false},
		{"items 0-1/2", 0, 0, 0, false},
		{"bytes 5-2/10", 0, 0, 10, false},
		{"bytes a-b/10", 0, 0, 10, false},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, end, total, ok := parseContentRange(tt.header)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantTotal, total)
			if tt.wantOK {
				assert.Equal(t, tt.wantStart, start)
				assert.Equal(t, tt.wantEnd, end)
			}
		})
	}
}
