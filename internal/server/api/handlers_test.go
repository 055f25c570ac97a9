package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ephemera/internal/server/config"
	"ephemera/internal/server/database"
	"ephemera/internal/server/files"
	"ephemera/internal/server/service"
	"ephemera/internal/server/storage"
	"ephemera/internal/server/usage"

	"github.com/labstack/echo/v4"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testServer struct {
	e     *echo.Echo
	clock *clock
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()

	cfg := &config.Config{
		MetadataBackend: database.BackendJSON,
		MaxFileSize:     1024,
		TTL:             time.Hour,
		MaxTTL:          24 * time.Hour,
		StoreTimeout:    5 * time.Second,
		RateLimitRPS:    1000,
		RateLimitBurst:  1000,
	}
	for _, m := range mutate {
		m(cfg)
	}

	fs := afero.NewMemMapFs()
	blobs := storage.NewFileSystemStore(fs, "/data")
	require.NoError(t, blobs.EnsureDir())
	meta, err := database.NewJSONStore(fs, "/data/.metadata")
	require.NoError(t, err)

	clk := &clock{t: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)}
	counters := usage.New(meta).WithClock(clk.Now)
	svc := service.NewFileService(blobs, meta, counters, cfg, service.WithClock(clk.Now))

	return &testServer{
		e:     SetupRouter(NewHandler(svc, meta, cfg), cfg),
		clock: clk,
	}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

func multipartRequest(t *testing.T, target, field, filename string, content []byte, extra map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if field != "" {
		part, err := w.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	for k, v := range extra {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func (ts *testServer) upload(t *testing.T, filename, content string) UploadResponse {
	t.Helper()
	res := ts.do(multipartRequest(t, "/upload", "file", filename, []byte(content), nil))
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	var out UploadResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out))
	return out
}

func decodeError(t *testing.T, res *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body), res.Body.String())
	return body["error"]
}

func TestHandleUpload(t *testing.T) {
	t.Run("multipart upload", func(t *testing.T) {
		ts := newTestServer(t)
		out := ts.upload(t, "notes.txt", "some notes")

		assert.True(t, out.Success)
		assert.True(t, files.ValidID(out.FileID))
		assert.Equal(t, "notes.txt", out.Filename)
		assert.Equal(t, int64(10), out.Size)
		assert.Equal(t, "http://example.com/files/"+out.FileID, out.DownloadURL)
		assert.InDelta(t, 1.0, out.ExpiresInHours, 0.0001)
		assert.Equal(t, `wget "`+out.DownloadURL+`" -O "notes.txt"`, out.Wget)
		assert.Equal(t, `curl -o "notes.txt" "`+out.DownloadURL+`"`, out.Curl)
		assert.Equal(t, `curl -T "notes.txt" "http://example.com/upload/notes.txt"`, out.CurlUpload)
	})

	t.Run("configured base url", func(t *testing.T) {
		ts := newTestServer(t, func(c *config.Config) { c.BaseURL = "https://share.example.org" })
		out := ts.upload(t, "a.txt", "a")
		assert.Equal(t, "https://share.example.org/files/"+out.FileID, out.DownloadURL)
	})

	t.Run("raw body with encoded name header", func(t *testing.T) {
		ts := newTestServer(t)
		req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("raw bytes"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEOctetStream)
		req.Header.Set("X-File-Name", "r%C3%A9sum%C3%A9.txt")

		res := ts.do(req)
		require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

		var out UploadResponse
		require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out))
		assert.Equal(t, "résumé.txt", out.Filename)
		assert.Equal(t, int64(9), out.Size)
	})

	t.Run("ttl override", func(t *testing.T) {
		ts := newTestServer(t)
		res := ts.do(multipartRequest(t, "/upload", "file", "a.txt", []byte("a"), map[string]string{"ttl": "30m"}))
		require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

		var out UploadResponse
		require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out))
		assert.InDelta(t, 0.5, out.ExpiresInHours, 0.0001)
	})

	t.Run("invalid ttl", func(t *testing.T) {
		ts := newTestServer(t)
		for _, ttl := range []string{"soon", "-1h", "0s", "1000h"} {
			res := ts.do(multipartRequest(t, "/upload?ttl="+ttl, "file", "a.txt", []byte("a"), nil))
			assert.Equal(t, http.StatusBadRequest, res.Code, ttl)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		ts := newTestServer(t)

		res := ts.do(multipartRequest(t, "/upload", "", "", nil, map[string]string{"other": "x"}))
		assert.Equal(t, http.StatusBadRequest, res.Code)
		assert.NotEmpty(t, decodeError(t, res))

		res = ts.do(httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("no name")))
		assert.Equal(t, http.StatusBadRequest, res.Code)

		req := httptest.NewRequest(http.MethodPost, "/upload", http.NoBody)
		req.Header.Set(echo.HeaderContentType, echo.MIMEOctetStream)
		req.Header.Set("X-File-Name", "empty.txt")
		res = ts.do(req)
		assert.Equal(t, http.StatusBadRequest, res.Code)
		assert.Equal(t, "file is required", decodeError(t, res))
	})

	t.Run("oversized multipart", func(t *testing.T) {
		ts := newTestServer(t)
		res := ts.do(multipartRequest(t, "/upload", "file", "big.bin", make([]byte, 2048), nil))
		assert.Equal(t, http.StatusRequestEntityTooLarge, res.Code)
		assert.Equal(t, "file exceeds maximum allowed size of 1.0 KiB", decodeError(t, res))
	})

	t.Run("oversized raw body", func(t *testing.T) {
		ts := newTestServer(t)
		req := httptest.NewRequest(http.MethodPut, "/upload/big.bin", bytes.NewReader(make([]byte, 2048)))
		res := ts.do(req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, res.Code)
		assert.Contains(t, decodeError(t, res), "1.0 KiB")
	})
}

func TestHandlePut(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPut, "/upload/report%20final.txt", strings.NewReader("quarterly"))
	res := ts.do(req)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	var out UploadResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out))
	assert.Equal(t, "report final.txt", out.Filename)
	assert.Equal(t, `curl -T "report final.txt" "http://example.com/upload/report%20final.txt"`, out.CurlUpload)

	t.Run("parent directory name", func(t *testing.T) {
		res := ts.do(httptest.NewRequest(http.MethodPut, "/upload/%2e%2e", strings.NewReader("x")))
		require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

		var out UploadResponse
		require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out))
		assert.Equal(t, `wget "`+out.DownloadURL+`" -O "uploaded-file"`, out.Wget)

		res = ts.do(httptest.NewRequest(http.MethodGet, "/files/"+out.FileID, nil))
		require.Equal(t, http.StatusOK, res.Code)
		assert.Equal(t, `attachment; filename="uploaded-file"; filename*=UTF-8''uploaded-file`,
			res.Header().Get(echo.HeaderContentDisposition))
	})

	t.Run("empty body is an empty file", func(t *testing.T) {
		res := ts.do(httptest.NewRequest(http.MethodPut, "/upload/empty.txt", http.NoBody))
		require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

		var out UploadResponse
		require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out))
		assert.Equal(t, int64(0), out.Size)
	})
}

func TestHandleDownload(t *testing.T) {
	t.Run("serves bytes and headers", func(t *testing.T) {
		ts := newTestServer(t)
		out := ts.upload(t, "résumé.pdf", "%PDF-1.4 body")

		res := ts.do(httptest.NewRequest(http.MethodGet, "/files/"+out.FileID, nil))
		require.Equal(t, http.StatusOK, res.Code)

		assert.Equal(t, "%PDF-1.4 body", res.Body.String())
		assert.Equal(t, echo.MIMEOctetStream, res.Header().Get(echo.HeaderContentType))
		assert.Equal(t, `attachment; filename="r_sum_.pdf"; filename*=UTF-8''r%C3%A9sum%C3%A9.pdf`,
			res.Header().Get(echo.HeaderContentDisposition))
		assert.Equal(t, "13", res.Header().Get(echo.HeaderContentLength))
		assert.Equal(t, "1", res.Header().Get("X-Download-Count"))
		assert.Equal(t, "2026-10-14T13:00:00Z", res.Header().Get("X-Expires-At"))
		assert.Len(t, res.Header().Get("X-Checksum-Blake2b"), 64)

		res = ts.do(httptest.NewRequest(http.MethodGet, "/files/"+out.FileID, nil))
		assert.Equal(t, "2", res.Header().Get("X-Download-Count"))
	})

	t.Run("unknown id", func(t *testing.T) {
		ts := newTestServer(t)
		res := ts.do(httptest.NewRequest(http.MethodGet, "/files/"+files.NewID(), nil))
		assert.Equal(t, http.StatusNotFound, res.Code)
		assert.Equal(t, "file not found", decodeError(t, res))

		res = ts.do(httptest.NewRequest(http.MethodGet, "/files/not-a-uuid", nil))
		assert.Equal(t, http.StatusNotFound, res.Code)
	})

	t.Run("expired then gone", func(t *testing.T) {
		ts := newTestServer(t)
		out := ts.upload(t, "a.txt", "a")
		ts.clock.Advance(2 * time.Hour)

		res := ts.do(httptest.NewRequest(http.MethodGet, "/files/"+out.FileID, nil))
		assert.Equal(t, http.StatusGone, res.Code)

		res = ts.do(httptest.NewRequest(http.MethodGet, "/files/"+out.FileID, nil))
		assert.Equal(t, http.StatusNotFound, res.Code)
	})
}

func TestHandleInfo(t *testing.T) {
	ts := newTestServer(t)
	out := ts.upload(t, "a.txt", "abc")

	res := ts.do(httptest.NewRequest(http.MethodGet, "/files/"+out.FileID+"/info", nil))
	require.Equal(t, http.StatusOK, res.Code)

	var body struct {
		File        files.Record `json:"file"`
		DownloadURL string       `json:"download_url"`
		SizeHuman   string       `json:"size_human"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.Equal(t, out.FileID, body.File.ID)
	assert.Equal(t, "a.txt", body.File.OriginalName)
	assert.Equal(t, int64(0), body.File.Downloads)
	assert.Equal(t, out.DownloadURL, body.DownloadURL)
	assert.Equal(t, "3 B", body.SizeHuman)
}

func TestHandleStats(t *testing.T) {
	ts := newTestServer(t)
	out := ts.upload(t, "a.txt", strings.Repeat("x", 512))
	ts.do(httptest.NewRequest(http.MethodGet, "/files/"+out.FileID, nil))

	res := ts.do(httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, res.Code)

	var body StatsResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, int64(1), body.Stats.TotalUploads)
	assert.Equal(t, int64(1), body.Stats.TotalDownloads)
	assert.Equal(t, int64(512), body.Stats.TotalBytesUploaded)
	assert.Equal(t, "2026-10-14", body.Stats.LastResetDate)
	assert.Equal(t, "512 B", body.Human["totalBytesUploaded"])

	// Keys and timestamp encoding match what the stats page reads.
	var raw struct {
		Stats map[string]any `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &raw))
	for _, key := range []string{
		"totalUploads", "totalDownloads", "totalBytesUploaded", "totalBytesDownloaded",
		"lastUploadAt", "lastDownloadAt", "uploadsToday", "downloadsToday", "lastResetDate",
	} {
		assert.Contains(t, raw.Stats, key)
	}
	want := float64(ts.clock.Now().UnixMilli())
	assert.Equal(t, want, raw.Stats["lastUploadAt"])
	assert.Equal(t, want, raw.Stats["lastDownloadAt"])
}

func TestHandleStats_Empty(t *testing.T) {
	ts := newTestServer(t)
	res := ts.do(httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, res.Code)
	assert.JSONEq(t, `{
		"success": true,
		"stats": {
			"totalUploads": 0, "totalDownloads": 0,
			"totalBytesUploaded": 0, "totalBytesDownloaded": 0,
			"lastUploadAt": null, "lastDownloadAt": null,
			"uploadsToday": 0, "downloadsToday": 0,
			"lastResetDate": "2026-10-14"
		},
		"human": {"totalBytesUploaded": "0 B", "totalBytesDownloaded": "0 B"}
	}`, res.Body.String())
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)
	res := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, res.Code)
	assert.JSONEq(t, `{"status":"healthy","metadata":"connected","backend":"json"}`, res.Body.String())
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t)
	res := ts.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, res.Code)
	assert.NotEmpty(t, decodeError(t, res))
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }
	rl.lastCleanup = now

	assert.True(t, rl.allow("10.0.0.1"))
	assert.True(t, rl.allow("10.0.0.1"))
	assert.False(t, rl.allow("10.0.0.1"), "burst exhausted")
	assert.True(t, rl.allow("10.0.0.2"), "other clients unaffected")

	now = now.Add(time.Second)
	assert.True(t, rl.allow("10.0.0.1"), "refilled after a second")

	now = now.Add(time.Hour)
	rl.allow("10.0.0.3")
	rl.mu.Lock()
	assert.Len(t, rl.visitors, 1, "idle visitors dropped")
	rl.mu.Unlock()
}

func TestRateLimitedUpload(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 1
	})
	ts.upload(t, "a.txt", "a")

	res := ts.do(multipartRequest(t, "/upload", "file", "b.txt", []byte("b"), nil))
	assert.Equal(t, http.StatusTooManyRequests, res.Code)
}

func TestContentDisposition(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"plain.txt", `attachment; filename="plain.txt"; filename*=UTF-8''plain.txt`},
		{`say "hi".txt`, `attachment; filename="say _hi_.txt"; filename*=UTF-8''say%20%22hi%22.txt`},
		{"日本.txt", `attachment; filename="__.txt"; filename*=UTF-8''%E6%97%A5%E6%9C%AC.txt`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, contentDisposition(tt.name))
		})
	}
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `"plain"`, shellQuote("plain"))
	assert.Equal(t, "\"a \\\"b\\\" \\$HOME \\`x\\`\"", shellQuote("a \"b\" $HOME `x`"))
}
