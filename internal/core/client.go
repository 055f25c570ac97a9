package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultServer is used when neither a flag nor EPHEMERA_SERVER is set.
const DefaultServer = "http://localhost:8080"

// ErrInvalidReference is returned for pull targets that are neither an id
// nor a download URL.
var ErrInvalidReference = errors.New("expected a file id or download URL")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// UploadResult mirrors the server's upload response.
type UploadResult struct {
	FileID         string    `json:"file_id"`
	Filename       string    `json:"filename"`
	Size           int64     `json:"size"`
	DownloadURL    string    `json:"download_url"`
	ExpiresAt      time.Time `json:"expires_at"`
	ExpiresInHours float64   `json:"expires_in_hours"`
	Wget           string    `json:"wget"`
	Curl           string    `json:"curl"`
	CurlUpload     string    `json:"curl_upload"`
}

// DownloadResult describes a file saved by Download.
type DownloadResult struct {
	Path      string
	Bytes     int64
	Downloads string
	ExpiresAt string
	Checksum  string
}

// Stats mirrors the server's aggregate counters.
type Stats struct {
	TotalUploads         int64
	TotalDownloads       int64
	TotalBytesUploaded   int64
	TotalBytesDownloaded int64
	LastUploadAt         *time.Time
	LastDownloadAt       *time.Time
	UploadsToday         int64
	DownloadsToday       int64
	LastResetDate        string
}

// statsBody is the wire form of Stats; timestamps are epoch milliseconds.
type statsBody struct {
	TotalUploads         int64  `json:"totalUploads"`
	TotalDownloads       int64  `json:"totalDownloads"`
	TotalBytesUploaded   int64  `json:"totalBytesUploaded"`
	TotalBytesDownloaded int64  `json:"totalBytesDownloaded"`
	LastUploadAt         *int64 `json:"lastUploadAt"`
	LastDownloadAt       *int64 `json:"lastDownloadAt"`
	UploadsToday         int64  `json:"uploadsToday"`
	DownloadsToday       int64  `json:"downloadsToday"`
	LastResetDate        string `json:"lastResetDate"`
}

// Client talks to an ephemera server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL. A nil httpClient uses
// http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultServer
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Upload sends the payload with PUT /upload/:name. A zero ttl keeps the
// server default.
func (c *Client) Upload(ctx context.Context, p *Payload, ttl time.Duration) (*UploadResult, error) {
	body, err := p.Open()
	if err != nil {
		return nil, err
	}
	defer body.Close()

	target := c.baseURL + "/upload/" + url.PathEscape(p.Name)
	if ttl > 0 {
		target += "?ttl=" + url.QueryEscape(ttl.String())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.ContentLength = p.Size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, readAPIError(resp)
	}

	var out UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	return &out, nil
}

// Download fetches ref, a file id or download URL, and writes it to dest.
// An empty dest saves into the working directory under the served name; a
// directory dest saves inside it; anything else is the exact output path.
func (c *Client) Download(ctx context.Context, ref, dest string) (*DownloadResult, error) {
	target, id, err := c.resolve(ref)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}

	out, err := outputPath(dest, servedName(resp.Header.Get("Content-Disposition"), id))
	if err != nil {
		return nil, err
	}

	n, err := writeAtomic(out, resp.Body)
	if err != nil {
		return nil, err
	}

	return &DownloadResult{
		Path:      out,
		Bytes:     n,
		Downloads: resp.Header.Get("X-Download-Count"),
		ExpiresAt: resp.Header.Get("X-Expires-At"),
		Checksum:  resp.Header.Get("X-Checksum-Blake2b"),
	}, nil
}

// Stats fetches the server's aggregate counters.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stats", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stats request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}

	var out struct {
		Stats statsBody `json:"stats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}

	b := out.Stats
	return &Stats{
		TotalUploads:         b.TotalUploads,
		TotalDownloads:       b.TotalDownloads,
		TotalBytesUploaded:   b.TotalBytesUploaded,
		TotalBytesDownloaded: b.TotalBytesDownloaded,
		LastUploadAt:         fromMillis(b.LastUploadAt),
		LastDownloadAt:       fromMillis(b.LastDownloadAt),
		UploadsToday:         b.UploadsToday,
		DownloadsToday:       b.DownloadsToday,
		LastResetDate:        b.LastResetDate,
	}, nil
}

func fromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}

// resolve turns a pull reference into a download URL and the file id.
func (c *Client) resolve(ref string) (string, string, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		u, err := url.Parse(ref)
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrInvalidReference, err)
		}
		id := lastSegment(u.Path)
		if id == "" {
			return "", "", ErrInvalidReference
		}
		return u.String(), id, nil
	}
	if ref == "" || strings.ContainsAny(ref, "/?#") {
		return "", "", ErrInvalidReference
	}
	return c.baseURL + "/files/" + url.PathEscape(ref), ref, nil
}

// lastSegment returns the last segment of a /files/<id> URL path.
func lastSegment(p string) string {
	p = strings.TrimRight(p, "/")
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		p = p[i+1:]
	}
	return p
}

// servedName extracts a safe local filename from Content-Disposition. The
// mime package decodes the RFC 5987 filename* form into "filename".
func servedName(disposition, fallback string) string {
	if _, params, err := mime.ParseMediaType(disposition); err == nil {
		if name := filepath.Base(strings.ReplaceAll(params["filename"], "\\", "/")); name != "" && name != "." && name != "/" && name != ".." {
			return name
		}
	}
	return fallback
}

func outputPath(dest, name string) (string, error) {
	if dest == "" {
		return name, nil
	}
	info, err := os.Stat(dest)
	if err == nil && info.IsDir() {
		return filepath.Join(dest, name), nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to check output path: %w", err)
	}
	return dest, nil
}

// writeAtomic copies r into a temp file beside dest and renames it into
// place so an interrupted download never leaves a partial file.
func writeAtomic(dest string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".ephemera-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, fmt.Errorf("failed to save %s: %w", dest, err)
	}
	return n, nil
}

func readAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
}
