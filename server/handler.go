package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/krau/pancaketagger/service"
)

const (
	pageTitle   = "パンケーキ画像分類"
	resultTitle = "分類結果"
	prompt      = "画像をアップロードして分類してみよう!!"
)

var (
	errNoFile   = errors.New("no image uploaded")
	errTooLarge = errors.New("image too large")
)

// Classifier is the inference boundary the handlers depend on.
type Classifier interface {
	Classify(ctx context.Context, data []byte) (*service.Result, error)
}

type Handler struct {
	classifier     Classifier
	lifecycle      *Lifecycle
	metrics        *Metrics
	uploadDir      string
	uploadURL      string
	maxUploadBytes int64
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".avif": true,
}

func (h *Handler) Index(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", gin.H{"title": pageTitle, "message": prompt})
}

// Upload stores the uploaded image, classifies it and renders the result page.
func (h *Handler) Upload(c *gin.Context) {
	data, filename, err := h.readUpload(c)
	if err != nil {
		c.HTML(uploadStatus(err), "index.html", gin.H{"title": pageTitle, "message": prompt, "error": uploadMessage(err)})
		return
	}

	name, err := h.save(filename, data)
	if err != nil {
		slog.Error("Failed to save upload", slog.String("error", err.Error()))
		c.HTML(http.StatusInternalServerError, "index.html", gin.H{"title": pageTitle, "message": prompt, "error": "画像を保存できませんでした"})
		return
	}
	image := h.uploadURL + "/" + name

	res, err := h.classify(c, data)
	if err != nil {
		status, msg := failure(err)
		c.HTML(status, "result.html", gin.H{"title": resultTitle, "error": msg, "image": image})
		return
	}
	c.HTML(http.StatusOK, "result.html", gin.H{"title": resultTitle, "result": res.Label, "image": image})
}

// Predict is the JSON form of Upload. The upload is not kept.
func (h *Handler) Predict(c *gin.Context) {
	data, _, err := h.readUpload(c)
	if err != nil {
		c.JSON(uploadStatus(err), gin.H{"error": err.Error()})
		return
	}
	res, err := h.classify(c, data)
	if err != nil {
		status, _ := failure(err)
		c.JSON(status, gin.H{"error": err.Error(), "reason": service.Reason(err)})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Health(c *gin.Context) {
	state := h.lifecycle.State()
	if state != Ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": state.String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) classify(c *gin.Context, data []byte) (*service.Result, error) {
	start := time.Now()
	res, err := h.classifier.Classify(c.Request.Context(), data)
	if err == nil && res == nil {
		err = fmt.Errorf("%w: classifier returned no result", service.ErrInference)
	}
	h.metrics.observe(res, err, time.Since(start))
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, service.ErrDecode) {
			level = slog.LevelWarn
		}
		slog.Log(c.Request.Context(), level, "Prediction failed",
			slog.String("reason", service.Reason(err)),
			slog.String("error", err.Error()))
	}
	return res, err
}

func (h *Handler) readUpload(c *gin.Context) ([]byte, string, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+1<<20)
	fileHeader, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, "", errTooLarge
		}
		return nil, "", errNoFile
	}
	if fileHeader.Size > h.maxUploadBytes {
		return nil, "", errTooLarge
	}
	file, err := fileHeader.Open()
	if err != nil {
		return nil, "", errNoFile
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		return nil, "", errNoFile
	}
	if int64(len(data)) > h.maxUploadBytes {
		return nil, "", errTooLarge
	}
	return data, fileHeader.Filename, nil
}

// save writes data under a fresh name so uploads never overwrite each other
// or escape the upload directory.
func (h *Handler) save(filename string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !imageExts[ext] {
		ext = ""
	}
	name := uuid.NewString() + ext
	if err := os.WriteFile(filepath.Join(h.uploadDir, name), data, 0644); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	h.metrics.uploads.Inc()
	return name, nil
}

func failure(err error) (int, string) {
	if errors.Is(err, service.ErrDecode) {
		return http.StatusBadRequest, "画像を読み込めませんでした"
	}
	return http.StatusInternalServerError, "分類に失敗しました"
}

func uploadStatus(err error) int {
	if errors.Is(err, errTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func uploadMessage(err error) string {
	if errors.Is(err, errTooLarge) {
		return "画像が大きすぎます"
	}
	return "画像を選択してください"
}
