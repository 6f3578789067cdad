package server

import (
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed templates/*.html
var templates embed.FS

const uploadURL = "/static/uploads"

type Options struct {
	UploadDir      string
	MaxUploadBytes int64
	// Registry defaults to a fresh registry per router.
	Registry *prometheus.Registry
}

// NewRouter wires the upload form, JSON API, uploaded files, health and
// metrics endpoints around classifier.
func NewRouter(classifier Classifier, lc *Lifecycle, opts Options) (*gin.Engine, error) {
	if err := os.MkdirAll(opts.UploadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	tmpl, err := template.ParseFS(templates, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	h := &Handler{
		classifier:     classifier,
		lifecycle:      lc,
		metrics:        NewMetrics(reg),
		uploadDir:      opts.UploadDir,
		uploadURL:      uploadURL,
		maxUploadBytes: opts.MaxUploadBytes,
	}

	r := gin.New()
	r.Use(requestLogger(), gin.Recovery())
	r.SetHTMLTemplate(tmpl)
	r.MaxMultipartMemory = opts.MaxUploadBytes

	r.GET("/", h.Index)
	r.POST("/", h.Upload)
	r.POST("/predict", h.Predict)
	r.Static(uploadURL, opts.UploadDir)
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	return r, nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header("X-Request-ID", reqID)

		c.Next()

		slog.Info("http_request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", reqID),
			slog.String("remote_addr", c.ClientIP()))
	}
}
