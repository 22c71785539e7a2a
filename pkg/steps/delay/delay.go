// Package delay implements the delay step.
package delay

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/workflow"
)

// Handler waits for the configured duration. Only its own step is suspended.
type Handler struct{}

func New() *Handler {
	return &Handler{}
}

func (h *Handler) Execute(ctx context.Context, sc *workflow.StepContext) (map[string]any, error) {
	cfg, ok := sc.Config.(models.DelayConfig)
	if !ok {
		return nil, fmt.Errorf("unexpected config type %T", sc.Config)
	}

	wait, err := cfg.Wait()
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return map[string]any{"waited": wait.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
