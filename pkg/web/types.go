// Package web provides HTTP request and response types for the management API.
package web

import (
	"time"

	"github.com/dukex/autoflow/pkg/models"
)

// WorkflowRequest is the body of workflow create and update calls.
type WorkflowRequest struct {
	ID          string                 `json:"id,omitempty"`
	Name        string                 `json:"name"                validate:"required,min=3"`
	Description string                 `json:"description"`
	Steps       []*models.StepSpec     `json:"steps"               validate:"required,min=1"`
	Triggers    []*models.TriggerSpec  `json:"triggers"`
	Variables   map[string]any         `json:"variables,omitempty"`
	Policy      models.ExecutionPolicy `json:"policy"`
	Active      *bool                  `json:"active,omitempty"`
}

// Definition converts the request into a definition. New workflows are active unless told otherwise.
func (r WorkflowRequest) Definition() *models.WorkflowDefinition {
	active := true
	if r.Active != nil {
		active = *r.Active
	}

	return &models.WorkflowDefinition{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Steps:       r.Steps,
		Triggers:    r.Triggers,
		Variables:   r.Variables,
		Policy:      r.Policy,
		Active:      active,
	}
}

type SetActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// RunRequest starts a workflow by hand. With a trigger id the manual trigger's conditions apply.
type RunRequest struct {
	TriggerID string         `json:"trigger_id,omitempty"`
	Data      map[string]any `json:"data"`
}

type SubscriptionRequest struct {
	ID         string   `json:"id,omitempty"`
	URL        string   `json:"url"         validate:"required,http_url"`
	Secret     string   `json:"secret"      validate:"required,min=16"`
	EventTypes []string `json:"event_types" validate:"required,min=1,dive,required"`
	Active     *bool    `json:"active,omitempty"`
}

func (r SubscriptionRequest) Subscription() *models.WebhookSubscription {
	active := true
	if r.Active != nil {
		active = *r.Active
	}

	return &models.WebhookSubscription{
		ID:         r.ID,
		URL:        r.URL,
		Secret:     r.Secret,
		EventTypes: r.EventTypes,
		Active:     active,
	}
}

// EventRequest is a domain event posted by the application that owns the business records.
type EventRequest struct {
	EventType string         `json:"eventType" validate:"required"`
	EventID   string         `json:"eventId"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

func (r EventRequest) Event() models.Event {
	return models.Event{
		EventType: r.EventType,
		EventID:   r.EventID,
		Data:      r.Data,
		Timestamp: r.Timestamp,
	}
}

// ExecutionStarted is returned when runs were started asynchronously.
type ExecutionStarted struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	TriggerID   string `json:"trigger_id,omitempty"`
}

func startedFrom(executions ...*models.WorkflowExecution) []ExecutionStarted {
	started := make([]ExecutionStarted, 0, len(executions))
	for _, e := range executions {
		started = append(started, ExecutionStarted{ExecutionID: e.ID, WorkflowID: e.WorkflowID, TriggerID: e.TriggerID})
	}

	return started
}
