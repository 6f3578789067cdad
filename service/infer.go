package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
)

// InferenceService owns a fixed pool of predictors and the label set. It is
// built once at start-up and shared by all request handlers.
type InferenceService struct {
	pool       chan Predictor
	predictors []Predictor
	spec       TensorSpec
	labels     LabelSet
	maxPixels  int64
}

type Option func(*InferenceService)

// WithMaxPixels overrides DefaultMaxPixels. n <= 0 disables the limit.
func WithMaxPixels(n int64) Option {
	return func(s *InferenceService) {
		s.maxPixels = n
	}
}

// New wraps predictors sharing one spec. Each predictor serves one forward
// pass at a time, so len(predictors) bounds concurrent inference.
func New(predictors []Predictor, labels LabelSet, opts ...Option) (*InferenceService, error) {
	if len(predictors) == 0 {
		return nil, fmt.Errorf("%w: no predictors", ErrLoad)
	}
	spec := predictors[0].Spec()
	for i, p := range predictors[1:] {
		if !p.Spec().Equal(spec) {
			return nil, fmt.Errorf("%w: predictor %d spec differs from predictor 0", ErrLoad, i+1)
		}
	}
	if spec.Classes < 1 {
		return nil, fmt.Errorf("%w: predictor declares no output classes", ErrLoad)
	}
	if len(labels) != spec.Classes {
		return nil, fmt.Errorf("%w: %d labels for %d output classes", ErrLoad, len(labels), spec.Classes)
	}

	pool := make(chan Predictor, len(predictors))
	for _, p := range predictors {
		pool <- p
	}
	s := &InferenceService{
		pool:       pool,
		predictors: predictors,
		spec:       spec,
		labels:     labels,
		maxPixels:  DefaultMaxPixels,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *InferenceService) Spec() TensorSpec { return s.spec }

func (s *InferenceService) Labels() LabelSet { return s.labels }

// Classify decodes data as an image and returns its predicted label.
func (s *InferenceService) Classify(ctx context.Context, data []byte) (*Result, error) {
	img, err := Decode(data, s.maxPixels)
	if err != nil {
		return nil, err
	}
	return s.ClassifyImage(ctx, img)
}

func (s *InferenceService) ClassifyImage(ctx context.Context, img image.Image) (*Result, error) {
	input, err := Preprocess(img, s.spec)
	if err != nil {
		return nil, err
	}

	var m Predictor
	select {
	case m = <-s.pool:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrInference, ctx.Err())
	}
	scores, err := run(m, input)
	s.pool <- m
	if err != nil {
		return nil, err
	}

	if len(scores) != len(s.labels) {
		return nil, fmt.Errorf("%w: got %d scores for %d labels", ErrShape, len(scores), len(s.labels))
	}
	if slices.ContainsFunc(scores, isNaN) {
		return nil, fmt.Errorf("%w: model produced NaN scores %v", ErrInference, scores)
	}
	idx := Argmax(scores)
	return &Result{
		Label:  s.labels[idx],
		Index:  idx,
		Scores: scores,
	}, nil
}

func run(m Predictor, input Tensor) (scores []float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: predictor panic: %v", ErrInference, r)
		}
	}()
	scores, err = m.Run(input)
	if err != nil && !errors.Is(err, ErrShape) && !errors.Is(err, ErrInference) {
		err = fmt.Errorf("%w: %v", ErrInference, err)
	}
	return scores, err
}

// Argmax returns the index of the largest score, preferring the first on
// ties, or -1 for an empty slice. A NaN wins over any number, so the first
// NaN is returned if there is one.
func Argmax(scores []float32) int {
	if len(scores) == 0 {
		return -1
	}
	best := 0
	for i, v := range scores {
		if isNaN(v) {
			return i
		}
		if v > scores[best] {
			best = i
		}
	}
	return best
}

func isNaN(v float32) bool { return v != v }

// Close releases every predictor. Callers must not classify afterwards.
func (s *InferenceService) Close() error {
	var errs []error
	for _, p := range s.predictors {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
