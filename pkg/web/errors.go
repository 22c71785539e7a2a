package web

import (
	"errors"

	"github.com/dukex/autoflow/pkg/engine"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/services"
	"github.com/dukex/autoflow/pkg/trigger"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

var errInvalidJSON = errors.New("invalid JSON format")

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps service, persistence and trigger errors onto problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	var evalErr *models.TriggerEvaluationError

	switch {
	case services.IsValidationError(err),
		errors.Is(err, trigger.ErrNotManual),
		errors.Is(err, trigger.ErrConditionFalse),
		errors.As(err, &evalErr):
		return badRequest(c, err.Error())

	case services.IsConflictError(err),
		errors.Is(err, trigger.ErrTriggerInactive),
		errors.Is(err, engine.ErrWorkflowInactive):
		return conflict(c, err.Error())

	case persistence.IsWorkflowNotFound(err):
		return notFound(c, "workflow_not_found", "workflow not found")

	case persistence.IsExecutionNotFound(err):
		return notFound(c, "execution_not_found", "execution not found")

	case persistence.IsSubscriptionNotFound(err):
		return notFound(c, "subscription_not_found", "subscription not found")

	case persistence.IsDeliveryNotFound(err):
		return notFound(c, "delivery_not_found", "delivery not found")

	case errors.Is(err, trigger.ErrTriggerNotFound):
		return notFound(c, "trigger_not_found", err.Error())

	default:
		return internalError(c, err)
	}
}
