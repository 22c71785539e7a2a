// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"
	"time"

	"github.com/dukex/autoflow/pkg/condition"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/steps/branch"
	"github.com/dukex/autoflow/pkg/steps/categorize"
	"github.com/dukex/autoflow/pkg/steps/delay"
	"github.com/dukex/autoflow/pkg/steps/email"
	"github.com/dukex/autoflow/pkg/steps/subworkflow"
	"github.com/dukex/autoflow/pkg/steps/webhookcall"
	"github.com/dukex/autoflow/pkg/workflow"
)

// StepDependencies are the collaborators the built-in step handlers need.
type StepDependencies struct {
	Sender         email.Sender
	Enqueuer       webhookcall.Enqueuer
	CategorizerURL string
	CategorizerTTL time.Duration
}

// RegisterSteps installs every built-in step handler on runner. Without a sender e-mails are
// logged; without a categorizer URL ai-categorize steps fail with a provider error.
func RegisterSteps(runner *workflow.Runner, deps StepDependencies, logger *slog.Logger) {
	sender := deps.Sender
	if sender == nil {
		sender = email.NewLogSender(logger)
	}

	var categorizer categorize.Categorizer
	if deps.CategorizerURL != "" {
		categorizer = categorize.NewHTTPCategorizer(deps.CategorizerURL, deps.CategorizerTTL, logger)
	}

	runner.Handle(models.StepTypeEmail, email.New(sender, logger))
	runner.Handle(models.StepTypeWebhookCall, webhookcall.New(deps.Enqueuer))
	runner.Handle(models.StepTypeDelay, delay.New())
	runner.Handle(models.StepTypeConditionBranch, branch.New(condition.NewEvaluator()))
	runner.Handle(models.StepTypeAICategorize, categorize.New(categorizer, logger))
	runner.Handle(models.StepTypeSubWorkflow, subworkflow.New(runner))
}
