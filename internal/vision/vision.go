// Package vision adapts the external feature-extraction service to the
// workflow. It classifies failures and never retries; retry policy belongs
// to the orchestrator.
package vision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/card-appraiser/internal/config"
	"github.com/sells-group/card-appraiser/internal/model"
	"github.com/sells-group/card-appraiser/internal/resilience"
	visionapi "github.com/sells-group/card-appraiser/pkg/vision"
)

// Extractor turns an image reference into a feature envelope.
type Extractor interface {
	ExtractFeatures(ctx context.Context, imageRef string) (*model.FeatureEnvelope, error)
}

// ExtractionError is a transient service failure. It wraps a
// resilience.TransientError so the retry helpers treat it as retryable.
type ExtractionError struct {
	ImageRef string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction %s: %v", e.ImageRef, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ErrorType names the dead-letter error type.
func (e *ExtractionError) ErrorType() string { return model.ErrTypeExtraction }

// InvalidImageError means the image is unreadable or corrupt. Never retried.
type InvalidImageError struct {
	ImageRef string
	Reason   string
}

func (e *InvalidImageError) Error() string {
	return fmt.Sprintf("invalid image %s: %s", e.ImageRef, e.Reason)
}

// ErrorType names the dead-letter error type.
func (e *InvalidImageError) ErrorType() string { return model.ErrTypeInvalidImage }

// IsInvalidImage reports whether err carries an InvalidImageError.
func IsInvalidImage(err error) bool {
	var ie *InvalidImageError
	return errors.As(err, &ie)
}

// IsExtraction reports whether err carries an ExtractionError.
func IsExtraction(err error) bool {
	var ee *ExtractionError
	return errors.As(err, &ee)
}

// ServiceExtractor calls the vision service through pkg/vision.
type ServiceExtractor struct {
	client  visionapi.Client
	timeout time.Duration
}

// NewServiceExtractor wraps a vision client. timeout bounds each call.
func NewServiceExtractor(client visionapi.Client, timeout time.Duration) *ServiceExtractor {
	return &ServiceExtractor{client: client, timeout: timeout}
}

// NewExtractor creates an Extractor from config.
func NewExtractor(cfg config.VisionConfig) (Extractor, error) {
	if cfg.BaseURL == "" {
		return nil, eris.New("vision: base_url is required")
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	client := visionapi.NewClient(strings.TrimRight(cfg.BaseURL, "/"), cfg.Key, visionapi.WithTimeout(timeout))
	return NewServiceExtractor(client, timeout), nil
}

// ExtractFeatures calls the service once and classifies the outcome.
func (e *ServiceExtractor) ExtractFeatures(ctx context.Context, imageRef string) (*model.FeatureEnvelope, error) {
	if strings.TrimSpace(imageRef) == "" {
		return nil, &InvalidImageError{ImageRef: imageRef, Reason: "empty image reference"}
	}

	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	env, err := e.client.Analyze(callCtx, imageRef)
	if err != nil {
		return nil, classify(ctx, imageRef, err)
	}
	if err := Validate(env); err != nil {
		return nil, &InvalidImageError{ImageRef: imageRef, Reason: err.Error()}
	}
	return env, nil
}

// classify maps a client error onto the extraction taxonomy. Caller
// cancellation passes through untouched.
func classify(ctx context.Context, imageRef string, err error) error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}

	var se *visionapi.StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
			return &InvalidImageError{ImageRef: imageRef, Reason: se.Body}
		}
		// 401 and 403 stay permanent extraction failures.
		return &ExtractionError{ImageRef: imageRef, Err: resilience.FromStatus(se, se.StatusCode)}
	}
	return &ExtractionError{ImageRef: imageRef, Err: resilience.NewTransientError(err, 0)}
}

// Validate checks the minimum shape a usable envelope must have.
func Validate(env *model.FeatureEnvelope) error {
	if env == nil {
		return eris.New("no features returned")
	}
	if env.Image.Width <= 0 || env.Image.Height <= 0 {
		return eris.New("missing image dimensions")
	}
	for _, v := range []float64{env.HoloVariance, env.Border.Symmetry, env.Quality.Blur, env.Quality.Glare, env.Quality.Brightness} {
		if v < 0 || v > 1 {
			return eris.Errorf("signal out of range: %v", v)
		}
	}
	return nil
}
