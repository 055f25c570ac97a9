package api

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ephemera/internal/server/config"
	"ephemera/internal/server/files"
	"ephemera/internal/server/service"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
)

// multipartOverhead is the allowance for form boundaries and part headers on
// top of the file size limit.
const multipartOverhead = 1 << 20

// Handler contains the HTTP handlers for the ephemera API.
type Handler struct {
	svc *service.FileService
	db  files.Pinger
	cfg *config.Config
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(svc *service.FileService, db files.Pinger, cfg *config.Config) *Handler {
	return &Handler{svc: svc, db: db, cfg: cfg}
}

// UploadResponse is returned after a successful upload.
type UploadResponse struct {
	Success        bool      `json:"success"`
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

// StatsResponse is returned by GET /stats.
type StatsResponse struct {
	Success bool      `json:"success"`
	Stats   StatsBody `json:"stats"`
	Human   echo.Map  `json:"human"`
}

// StatsBody is the wire form of files.Stats. Timestamps are milliseconds
// since the epoch, null until the first upload or download.
type StatsBody struct {
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

func newStatsBody(s *files.Stats) StatsBody {
	return StatsBody{
		TotalUploads:         s.TotalUploads,
		TotalDownloads:       s.TotalDownloads,
		TotalBytesUploaded:   s.TotalBytesUploaded,
		TotalBytesDownloaded: s.TotalBytesDownloaded,
		LastUploadAt:         unixMilli(s.LastUploadAt),
		LastDownloadAt:       unixMilli(s.LastDownloadAt),
		UploadsToday:         s.UploadsToday,
		DownloadsToday:       s.DownloadsToday,
		LastResetDate:        s.LastResetDate,
	}
}

func unixMilli(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

// HandleUpload handles POST /upload.
// Accepts a multipart form with a "file" field, or a raw body named by the
// X-File-Name header. An optional "ttl" value overrides the default expiry.
func (h *Handler) HandleUpload(c echo.Context) error {
	req := c.Request()
	if !strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		name := headerFilename(req)
		if name == "" {
			return c.JSON(http.StatusBadRequest, echo.Map{
				"error": "file is required (use form field 'file' or the X-File-Name header)",
			})
		}
		// An empty raw POST carries no file.
		body := bufio.NewReader(req.Body)
		if _, err := body.Peek(1); errors.Is(err, io.EOF) {
			return h.mapServiceError(c, service.ErrNoFile)
		}
		return h.ingestRaw(c, name, body)
	}

	limit := h.cfg.MaxFileSize + multipartOverhead
	if req.ContentLength > limit {
		return h.mapServiceError(c, service.ErrFileTooLarge)
	}
	req.Body = http.MaxBytesReader(c.Response(), req.Body, limit)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return h.mapServiceError(c, service.ErrFileTooLarge)
		}
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "file is required (use form field 'file')",
		})
	}

	ttl, err := parseTTL(firstNonEmpty(c.FormValue("ttl"), c.QueryParam("ttl")))
	if err != nil {
		return h.mapServiceError(c, err)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to read uploaded file",
		})
	}
	defer src.Close()

	rec, err := h.svc.Ingest(req.Context(), service.IngestRequest{
		Name:    fileHeader.Filename,
		Content: src,
		Size:    fileHeader.Size,
		TTL:     ttl,
	})
	if err != nil {
		return h.mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, h.uploadResponse(c, rec))
}

// HandlePut handles PUT /upload/:name, the curl -T variant.
func (h *Handler) HandlePut(c echo.Context) error {
	name := c.Param("name")
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	if name == "" {
		name = headerFilename(c.Request())
	}
	return h.ingestRaw(c, name, c.Request().Body)
}

func (h *Handler) ingestRaw(c echo.Context, name string, body io.Reader) error {
	req := c.Request()

	ttl, err := parseTTL(c.QueryParam("ttl"))
	if err != nil {
		return h.mapServiceError(c, err)
	}

	rec, err := h.svc.Ingest(req.Context(), service.IngestRequest{
		Name:    name,
		Content: body,
		Size:    req.ContentLength,
		TTL:     ttl,
	})
	if err != nil {
		return h.mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, h.uploadResponse(c, rec))
}

// HandleDownload handles GET /files/:id.
// Serves the file as an attachment and counts the download.
func (h *Handler) HandleDownload(c echo.Context) error {
	dl, err := h.svc.Fetch(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.mapServiceError(c, err)
	}

	rec := dl.Record
	header := c.Response().Header()
	header.Set(echo.HeaderContentDisposition, contentDisposition(service.DisplayName(rec.OriginalName)))
	header.Set(echo.HeaderContentLength, strconv.Itoa(len(dl.Content)))
	header.Set("X-Download-Count", strconv.FormatInt(rec.Downloads, 10))
	header.Set("X-Expires-At", rec.ExpiresAt.UTC().Format(time.RFC3339))
	if rec.Checksum != "" {
		header.Set("X-Checksum-Blake2b", rec.Checksum)
	}

	return c.Blob(http.StatusOK, echo.MIMEOctetStream, dl.Content)
}

// HandleInfo handles GET /files/:id/info.
// Returns file metadata without serving the file.
func (h *Handler) HandleInfo(c echo.Context) error {
	rec, err := h.svc.Info(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"file":         rec,
		"download_url": h.downloadURL(c, rec.ID),
		"size_human":   humanize.IBytes(uint64(rec.Size)),
		"expires_in":   humanize.Time(rec.ExpiresAt),
	})
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including metadata store
// reachability.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.db.Ping(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = "unreachable"
		slog.Warn("metadata store health check failed", "error", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"metadata": dbStatus,
		"backend":  h.cfg.MetadataBackend,
	})
}

// HandleStats handles GET /stats.
// Returns aggregate usage statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.svc.GetStats(c.Request().Context())
	if err != nil {
		slog.Error("failed to retrieve stats", "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to retrieve stats",
		})
	}

	return c.JSON(http.StatusOK, &StatsResponse{
		Success: true,
		Stats:   newStatsBody(stats),
		Human: echo.Map{
			"totalBytesUploaded":   humanize.IBytes(uint64(stats.TotalBytesUploaded)),
			"totalBytesDownloaded": humanize.IBytes(uint64(stats.TotalBytesDownloaded)),
		},
	})
}

func (h *Handler) uploadResponse(c echo.Context, rec *files.Record) *UploadResponse {
	name := service.DisplayName(rec.OriginalName)
	link := h.downloadURL(c, rec.ID)

	return &UploadResponse{
		Success:        true,
		FileID:         rec.ID,
		Filename:       rec.OriginalName,
		Size:           rec.Size,
		DownloadURL:    link,
		ExpiresAt:      rec.ExpiresAt,
		ExpiresInHours: rec.ExpiresAt.Sub(rec.UploadedAt).Hours(),
		Wget:           fmt.Sprintf("wget %s -O %s", shellQuote(link), shellQuote(name)),
		Curl:           fmt.Sprintf("curl -o %s %s", shellQuote(name), shellQuote(link)),
		CurlUpload: fmt.Sprintf("curl -T %s %s",
			shellQuote(name), shellQuote(h.baseURL(c)+"/upload/"+url.PathEscape(name))),
	}
}

func (h *Handler) downloadURL(c echo.Context, id string) string {
	return h.baseURL(c) + "/files/" + id
}

// baseURL prefers the configured public URL and falls back to the scheme and
// host the request arrived on.
func (h *Handler) baseURL(c echo.Context) string {
	if h.cfg.BaseURL != "" {
		return h.cfg.BaseURL
	}
	return c.Scheme() + "://" + c.Request().Host
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func (h *Handler) mapServiceError(c echo.Context, err error) error {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "file not found"})
	case errors.Is(err, service.ErrExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "file has expired"})
	case errors.Is(err, service.ErrFileTooLarge), errors.As(err, &maxErr):
		maxSize := h.cfg.MaxFileSize
		if maxSize <= 0 {
			maxSize = config.MaxUploadSize
		}
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": fmt.Sprintf("file exceeds maximum allowed size of %s", humanize.IBytes(uint64(maxSize))),
		})
	case errors.Is(err, service.ErrNoFile):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "file is required"})
	case errors.Is(err, service.ErrInvalidTTL):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "ttl must be a positive duration within the allowed maximum"})
	default:
		slog.Error("request failed", "path", c.Request().URL.Path, "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

func parseTTL(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, service.ErrInvalidTTL
	}
	return d, nil
}

// headerFilename reads X-File-Name, which clients may percent-encode to
// carry non-ASCII names.
func headerFilename(req *http.Request) string {
	name := req.Header.Get("X-File-Name")
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return strings.TrimSpace(name)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// contentDisposition builds an attachment header with an ASCII fallback
// name and the exact UTF-8 name in RFC 5987 form.
func contentDisposition(name string) string {
	var fallback strings.Builder
	for _, r := range name {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			fallback.WriteByte('_')
			continue
		}
		fallback.WriteRune(r)
	}
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, fallback.String(), encodeRFC5987(name))
}

func encodeRFC5987(s string) string {
	const unreserved = "!#$&+-.^_`|~"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') || strings.IndexByte(unreserved, c) >= 0 {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

// shellQuote wraps s in double quotes, escaping the characters the shell
// would otherwise interpret.
func shellQuote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")
	return `"` + r.Replace(s) + `"`
}
