// Package categorize implements the ai-categorize step and an HTTP categorization client.
package categorize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/workflow"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrProviderStatus is returned when the provider answers with a non-2xx status.
	ErrProviderStatus = errors.New("categorization provider returned an error status")
	// ErrEmptyCategory is returned when the provider answers without a category.
	ErrEmptyCategory = errors.New("categorization provider returned no category")
	// ErrNoProvider is returned when no categorizer is configured.
	ErrNoProvider = errors.New("no categorization provider configured")
)

type Request struct {
	Payload    any      `json:"payload"`
	Categories []string `json:"categories,omitempty"`
}

type Result struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Categorizer is the AI categorization collaborator.
type Categorizer interface {
	Categorize(ctx context.Context, req Request) (Result, error)
}

// Handler delegates to a Categorizer. Provider errors fail the step only.
type Handler struct {
	categorizer Categorizer
	logger      *slog.Logger
}

func New(categorizer Categorizer, logger *slog.Logger) *Handler {
	return &Handler{
		categorizer: categorizer,
		logger:      logger.With("module", "categorize_step"),
	}
}

func (h *Handler) Execute(ctx context.Context, sc *workflow.StepContext) (map[string]any, error) {
	cfg, ok := sc.Config.(models.CategorizeConfig)
	if !ok {
		return nil, fmt.Errorf("unexpected config type %T", sc.Config)
	}

	if h.categorizer == nil {
		return nil, ErrNoProvider
	}

	result, err := h.categorizer.Categorize(ctx, Request{Payload: cfg.Payload, Categories: cfg.Categories})
	if err != nil {
		return nil, fmt.Errorf("categorization failed: %w", err)
	}

	h.logger.DebugContext(ctx, "Payload categorized",
		"step_id", sc.Step.ID,
		"category", result.Category,
		"confidence", result.Confidence,
	)

	return map[string]any{
		"category":   result.Category,
		"confidence": result.Confidence,
	}, nil
}

// HTTPCategorizer posts the request as JSON to a provider endpoint and reads a Result back.
type HTTPCategorizer struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewHTTPCategorizer(url string, timeout time.Duration, logger *slog.Logger) *HTTPCategorizer {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &HTTPCategorizer{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("module", "http_categorizer"),
	}
}

func (c *HTTPCategorizer) Categorize(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode categorization request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to build categorization request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("categorization request failed: %w", err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.ErrorContext(ctx, "failed to close response body", "error", err)
		}
	}()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("failed to read categorization response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("%w: status %d: %s", ErrProviderStatus, resp.StatusCode, string(payload))
	}

	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return Result{}, fmt.Errorf("failed to decode categorization response: %w", err)
	}

	if result.Category == "" {
		return Result{}, ErrEmptyCategory
	}

	return result, nil
}
