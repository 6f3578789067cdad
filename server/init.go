package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/krau/pancaketagger/config"
	"github.com/krau/pancaketagger/provision"
	"github.com/krau/pancaketagger/service"
)

// LoadFunc turns a provisioned artifact into a predictor.
type LoadFunc func(path string) (service.Predictor, error)

// Init provisions the model, loads one predictor per worker and returns the
// inference service. Any error is fatal; lc is left before Loaded.
func Init(ctx context.Context, cfg config.Config, load LoadFunc, lc *Lifecycle) (*service.InferenceService, error) {
	lc.Advance(Provisioning)

	modelPath := filepath.Join(cfg.ModelDir, cfg.ModelFileName)
	artifact, err := provision.EnsureLocal(ctx, modelPath,
		provision.Source{URL: cfg.ModelUrl, FileID: cfg.ModelFileID},
		provision.WithMinBytes(cfg.ModelMinBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to provision model: %w", err)
	}
	slog.Info("Model artifact ready",
		slog.String("path", artifact.Path),
		slog.Int64("bytes", artifact.Size),
		slog.Bool("fetched", artifact.Fetched))

	labels, err := service.LoadLabels(filepath.Join(cfg.ModelDir, cfg.ModelLabelsName), cfg.Labels)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}

	workers := max(cfg.Workers, 1)
	predictors := make([]service.Predictor, 0, workers)
	closeAll := func() {
		for _, p := range predictors {
			p.Close()
		}
	}
	for range workers {
		p, err := load(artifact.Path)
		if err != nil {
			closeAll()
			if !errors.Is(err, service.ErrLoad) {
				err = fmt.Errorf("%w: %v", service.ErrLoad, err)
			}
			return nil, fmt.Errorf("failed to load model: %w", err)
		}
		predictors = append(predictors, p)
	}

	svc, err := service.New(predictors, labels, service.WithMaxPixels(cfg.MaxImagePixels))
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to create inference service: %w", err)
	}

	spec := svc.Spec()
	slog.Info("Model loaded",
		slog.Any("input_shape", spec.Shape),
		slog.String("layout", spec.Layout.String()),
		slog.String("dtype", spec.DType.String()),
		slog.Any("labels", []string(labels)),
		slog.Int("workers", workers))
	lc.Advance(Loaded)
	return svc, nil
}
