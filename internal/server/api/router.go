package api

import (
	"net/http"

	"ephemera/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderContentType, "X-File-Name"},
		ExposeHeaders: []string{echo.HeaderContentDisposition, "X-Download-Count", "X-Expires-At", "X-Checksum-Blake2b"},
	}))
	e.Use(RequestLogger())

	// Rate limiter on upload endpoints only
	uploadLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Health & stats
	e.GET("/health", handler.HandleHealth)
	e.GET("/stats", handler.HandleStats)

	// Upload (rate-limited)
	e.POST("/upload", handler.HandleUpload, uploadLimiter.Middleware())
	e.PUT("/upload/:name", handler.HandlePut, uploadLimiter.Middleware())

	// Download & info
	e.GET("/files/:id", handler.HandleDownload)
	e.GET("/files/:id/info", handler.HandleInfo)

	return e
}
