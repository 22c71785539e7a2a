package models

// Reserved trigger event types. Any other value names a domain event such as "invoice_created".
const (
	TriggerEventWebhook  = "webhook"
	TriggerEventSchedule = "schedule"
	TriggerEventManual   = "manual"
)

// TriggerSpec binds an event source to the workflow that owns it.
type TriggerSpec struct {
	ID        string `json:"id"         yaml:"id"         validate:"required"`
	EventType string `json:"event_type" yaml:"event_type" validate:"required"`

	// Conditions is a boolean expression tree over event fields, compiled at registration.
	Conditions map[string]any `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	// Filters lists the dot paths projected into the execution context. Empty keeps all data.
	Filters []string `json:"filters,omitempty" yaml:"filters,omitempty" validate:"dive,required"`

	ScheduleExpression string `json:"schedule_expression,omitempty" yaml:"schedule_expression,omitempty"`
	WebhookURL         string `json:"webhook_url,omitempty"         yaml:"webhook_url,omitempty"`

	// PayloadSchema is an optional JSON Schema the event data must satisfy.
	PayloadSchema map[string]any `json:"payload_schema,omitempty" yaml:"payload_schema,omitempty"`

	IsActive bool `json:"is_active" yaml:"is_active"`
}

// IsSchedule reports whether the trigger is driven by the schedule ticker.
func (t *TriggerSpec) IsSchedule() bool {
	return t.EventType == TriggerEventSchedule
}

// IsWebhook reports whether the trigger listens on an inbound webhook path.
func (t *TriggerSpec) IsWebhook() bool {
	return t.EventType == TriggerEventWebhook
}
