package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// Engine is the part of the engine the API drives.
type Engine interface {
	Submit(ctx context.Context, event models.Event) error
	HandleEvent(ctx context.Context, event models.Event) ([]*models.WorkflowExecution, error)
	RunTrigger(ctx context.Context, triggerID string, data map[string]any) (*models.WorkflowExecution, error)
	RunWorkflow(ctx context.Context, workflowID string, data map[string]any) (*models.WorkflowExecution, error)
	Cancel(executionID string) bool
}

type APIHandlers struct {
	workflowService     *services.Workflow
	subscriptionService *services.Subscription
	historyService      *services.History
	engine              Engine
	validator           *validator.Validate
}

func NewAPIHandlers(
	workflowService *services.Workflow,
	subscriptionService *services.Subscription,
	historyService *services.History,
	engine Engine,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		workflowService:     workflowService,
		subscriptionService: subscriptionService,
		historyService:      historyService,
		engine:              engine,
		validator:           validator,
	}
}

// Routes mounts every endpoint on router.
func (h *APIHandlers) Routes(router fiber.Router) {
	w := router.Group("/workflows")
	w.Get("/", h.GetWorkflows)
	w.Post("/", h.CreateWorkflow)
	w.Post("/validate", h.ValidateWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Put("/:id", h.UpdateWorkflow)
	w.Delete("/:id", h.DeleteWorkflow)
	w.Patch("/:id/active", h.SetWorkflowActive)
	w.Patch("/:id/triggers/:triggerId/active", h.SetTriggerActive)
	w.Post("/:id/run", h.RunWorkflow)

	e := router.Group("/executions")
	e.Get("/", h.GetExecutions)
	e.Get("/:id", h.GetExecution)
	e.Post("/:id/cancel", h.CancelExecution)

	s := router.Group("/subscriptions")
	s.Get("/", h.GetSubscriptions)
	s.Post("/", h.CreateSubscription)
	s.Get("/:id", h.GetSubscription)
	s.Delete("/:id", h.DeleteSubscription)

	d := router.Group("/deliveries")
	d.Get("/", h.GetDeliveries)
	d.Get("/:id", h.GetDelivery)

	router.Post("/events", h.PostEvent)
	router.Post("/hooks/*", h.ReceiveWebhook)

	router.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.workflowService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "autoflow is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		message = "autoflow is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	workflows, err := h.workflowService.List(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows":   workflows,
		"total_count": len(workflows),
	})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")

	var (
		workflow *models.WorkflowDefinition
		err      error
	)

	if versionStr := c.Query("version"); versionStr != "" {
		version, convErr := strconv.Atoi(versionStr)
		if convErr != nil || version < 1 {
			return badRequest(c, "Invalid version")
		}

		workflow, err = h.workflowService.FetchVersion(c.Context(), id, version)
	} else {
		workflow, err = h.workflowService.FetchByID(c.Context(), id)
	}

	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	req, err := h.bindWorkflow(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.workflowService.Create(c.Context(), req.Definition())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

// ValidateWorkflow runs the registration checks without storing anything.
func (h *APIHandlers) ValidateWorkflow(c fiber.Ctx) error {
	req, err := h.bindWorkflow(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.workflowService.Validate(c.Context(), req.Definition()); err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"valid": true})
}

func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	req, err := h.bindWorkflow(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.workflowService.Update(c.Context(), c.Params("id"), req.Definition())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	if err := h.workflowService.Delete(c.Context(), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) SetWorkflowActive(c fiber.Ctx) error {
	var req SetActiveRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	workflow, err := h.workflowService.SetActive(c.Context(), c.Params("id"), *req.Active)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) SetTriggerActive(c fiber.Ctx) error {
	var req SetActiveRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	workflow, err := h.workflowService.SetTriggerActive(c.Context(), c.Params("id"), c.Params("triggerId"), *req.Active)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) RunWorkflow(c fiber.Ctx) error {
	var req RunRequest
	if len(c.Body()) > 0 {
		if err := h.bind(c, &req); err != nil {
			return badRequest(c, err.Error())
		}
	}

	id := c.Params("id")

	var (
		execution *models.WorkflowExecution
		err       error
	)

	if req.TriggerID != "" {
		execution, err = h.startTrigger(c.Context(), id, req.TriggerID, req.Data)
	} else {
		execution, err = h.engine.RunWorkflow(c.Context(), id, req.Data)
	}

	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(startedFrom(execution)[0])
}

// startTrigger fires a manual trigger only when it belongs to workflowID.
func (h *APIHandlers) startTrigger(ctx context.Context, workflowID, triggerID string, data map[string]any) (*models.WorkflowExecution, error) {
	def, err := h.workflowService.FetchByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	for _, spec := range def.Triggers {
		if spec != nil && spec.ID == triggerID {
			return h.engine.RunTrigger(ctx, triggerID, data)
		}
	}

	return nil, &models.ValidationError{Field: "trigger_id", Reason: "trigger " + triggerID + " does not belong to workflow " + workflowID}
}

func (h *APIHandlers) GetExecutions(c fiber.Ctx) error {
	page, err := parsePage(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	result, err := h.historyService.Executions(c.Context(), persistence.ExecutionFilter{
		WorkflowID: c.Query("workflow_id"),
		Status:     models.ExecutionStatus(c.Query("status")),
		Page:       page,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	execution, err := h.historyService.Execution(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	id := c.Params("id")

	if h.engine.Cancel(id) {
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"execution_id": id, "cancel_requested": true})
	}

	execution, err := h.historyService.Execution(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return conflict(c, "execution is "+string(execution.Status)+" and cannot be cancelled")
}

func (h *APIHandlers) GetSubscriptions(c fiber.Ctx) error {
	subs, err := h.subscriptionService.List(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"subscriptions": subs, "total_count": len(subs)})
}

func (h *APIHandlers) GetSubscription(c fiber.Ctx) error {
	sub, err := h.subscriptionService.FetchByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(sub)
}

func (h *APIHandlers) CreateSubscription(c fiber.Ctx) error {
	var req SubscriptionRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.subscriptionService.Create(c.Context(), req.Subscription())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) DeleteSubscription(c fiber.Ctx) error {
	if err := h.subscriptionService.Delete(c.Context(), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetDeliveries(c fiber.Ctx) error {
	page, err := parsePage(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	result, err := h.historyService.Deliveries(c.Context(), persistence.DeliveryFilter{
		SubscriptionID: c.Query("subscription_id"),
		EventID:        c.Query("event_id"),
		Status:         models.DeliveryStatus(c.Query("status")),
		Page:           page,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) GetDelivery(c fiber.Ctx) error {
	delivery, err := h.historyService.Delivery(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(delivery)
}

// PostEvent accepts a domain event. Matching happens asynchronously once the bus delivers it.
func (h *APIHandlers) PostEvent(c fiber.Ctx) error {
	var req EventRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.engine.Submit(c.Context(), req.Event()); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

// ReceiveWebhook turns an inbound request into a webhook event for the triggers listening on
// its path. A JSON object body becomes the event data; any other body is kept under "body".
func (h *APIHandlers) ReceiveWebhook(c fiber.Ctx) error {
	data := map[string]any{}

	if body := c.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			data = map[string]any{"body": string(body)}
		}
	}

	headers := make(map[string]any)
	for key, values := range c.GetReqHeaders() {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}

	data["headers"] = headers

	event := models.Event{
		EventType: models.TriggerEventWebhook,
		Path:      "/" + c.Params("*"),
		Data:      data,
	}

	started, err := h.engine.HandleEvent(c.Context(), event)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"executions": startedFrom(started...)})
}

func (h *APIHandlers) bindWorkflow(c fiber.Ctx) (*WorkflowRequest, error) {
	var req WorkflowRequest
	if err := h.bind(c, &req); err != nil {
		return nil, err
	}

	return &req, nil
}

func (h *APIHandlers) bind(c fiber.Ctx, out any) error {
	if err := c.Bind().JSON(out); err != nil {
		return errInvalidJSON
	}

	if err := h.validator.Struct(out); err != nil {
		return err
	}

	return nil
}

func parsePage(c fiber.Ctx) (persistence.Page, error) {
	var page persistence.Page

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return page, err
		}

		page.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return page, err
		}

		page.Offset = offset
	}

	return page, nil
}
