package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	prettylog "github.com/krateoplatformops/plumbing/slogs/pretty"
	"github.com/krau/pancaketagger/config"
	"github.com/krau/pancaketagger/onnx"
	"github.com/krau/pancaketagger/server"
	"github.com/krau/pancaketagger/service"
	ort "github.com/yalue/onnxruntime_go"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	slog.SetDefault(newLogger(config.C().LogLevel))
	slog.Info("Starting PancakeTagger")

	lc := server.NewLifecycle()

	ort.SetSharedLibraryPath(onnx.LibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Error("Failed to initialize ONNX Runtime environment", slog.String("error", err.Error()))
		return
	}
	defer ort.DestroyEnvironment()

	svc, err := server.Init(ctx, config.C(), func(path string) (service.Predictor, error) {
		return onnx.Load(path, onnx.Options{Threads: config.C().Threads})
	}, lc)
	if err != nil {
		slog.Error("Failed to initialize server", slog.String("error", err.Error()))
		return
	}
	defer svc.Close()

	gin.SetMode(gin.ReleaseMode)
	r, err := server.NewRouter(svc, lc, server.Options{
		UploadDir:      config.C().UploadDir,
		MaxUploadBytes: config.C().MaxUploadBytes,
	})
	if err != nil {
		slog.Error("Failed to build router", slog.String("error", err.Error()))
		return
	}

	addr := net.JoinHostPort(config.C().Host, config.C().Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("Listening on", slog.String("address", addr))
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()
	lc.Advance(server.Ready)

	<-ctx.Done()
	lc.Advance(server.ShuttingDown)
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown error", slog.String("error", err.Error()))
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(prettylog.New(&slog.HandlerOptions{Level: lvl},
		prettylog.WithDestinationWriter(os.Stderr),
		prettylog.WithColor(),
	))
}
