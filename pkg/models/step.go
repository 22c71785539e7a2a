package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type StepType string

const (
	StepTypeEmail           StepType = "email"
	StepTypeWebhookCall     StepType = "webhook-call"
	StepTypeDelay           StepType = "delay"
	StepTypeConditionBranch StepType = "condition-branch"
	StepTypeAICategorize    StepType = "ai-categorize"
	StepTypeSubWorkflow     StepType = "sub-workflow"
)

// StepSpec is one unit of work. Steps sharing Order run in parallel; groups run in ascending Order.
type StepSpec struct {
	ID   string   `json:"id"             yaml:"id"             validate:"required"`
	Name string   `json:"name,omitempty" yaml:"name,omitempty"`
	Type StepType `json:"type"           yaml:"type"           validate:"required,oneof=email webhook-call delay condition-branch ai-categorize sub-workflow"`

	// Config is the raw, possibly templated payload. DecodeStepConfig gives its typed form.
	Config map[string]any `json:"config" yaml:"config"`

	Order    int  `json:"order"              yaml:"order"`
	Parallel bool `json:"parallel,omitempty" yaml:"parallel,omitempty"`
}

// StepConfig is the tagged union of typed step configurations.
type StepConfig interface {
	StepType() StepType
}

// configChecker is implemented by configs with rules beyond struct tags.
type configChecker interface {
	check() error
}

type EmailConfig struct {
	To          string `json:"to"                    validate:"required"`
	Subject     string `json:"subject"               validate:"required"`
	HTMLBody    string `json:"htmlBody,omitempty"    validate:"required_without=TextBody"`
	TextBody    string `json:"textBody,omitempty"`
	MaxAttempts int    `json:"maxAttempts,omitempty" validate:"omitempty,min=1,max=10"`
}

func (EmailConfig) StepType() StepType { return StepTypeEmail }

type WebhookCallConfig struct {
	EventType      string `json:"eventType"                validate:"required"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	EventID        string `json:"eventId,omitempty"`
	Data           any    `json:"data,omitempty"`
}

func (WebhookCallConfig) StepType() StepType { return StepTypeWebhookCall }

type DelayConfig struct {
	Duration string `json:"duration" validate:"required"`
}

func (DelayConfig) StepType() StepType { return StepTypeDelay }

// Wait parses the configured duration.
func (c DelayConfig) Wait() (time.Duration, error) {
	d, err := time.ParseDuration(c.Duration)
	if err != nil {
		return 0, fmt.Errorf("invalid delay duration %q: %w", c.Duration, err)
	}

	if d < 0 {
		return 0, fmt.Errorf("negative delay duration %q", c.Duration)
	}

	return d, nil
}

func (c DelayConfig) check() error {
	if hasToken(c.Duration) {
		return nil
	}

	_, err := c.Wait()

	return err
}

// BranchConfig gates later steps. Then steps run only when Condition holds, Else steps only when it does not.
type BranchConfig struct {
	Condition map[string]any `json:"condition" validate:"required"`
	Then      []string       `json:"then,omitempty"`
	Else      []string       `json:"else,omitempty"`
}

func (BranchConfig) StepType() StepType { return StepTypeConditionBranch }

func (c BranchConfig) check() error {
	if len(c.Then) == 0 && len(c.Else) == 0 {
		return &ValidationError{Field: "then", Reason: "branch must gate at least one step"}
	}

	return nil
}

type CategorizeConfig struct {
	Payload    any      `json:"payload"              validate:"required"`
	Categories []string `json:"categories,omitempty"`
}

func (CategorizeConfig) StepType() StepType { return StepTypeAICategorize }

type SubWorkflowConfig struct {
	WorkflowID    string `json:"workflowId"              validate:"required"`
	Input         any    `json:"input,omitempty"`
	IgnoreFailure bool   `json:"ignoreFailure,omitempty"`
}

func (SubWorkflowConfig) StepType() StepType { return StepTypeSubWorkflow }

// DecodeStepConfig converts a raw config map into the typed variant selected by stepType.
// Unknown fields and failed struct validation are reported as ValidationErrors.
func DecodeStepConfig(stepType StepType, raw map[string]any) (StepConfig, error) {
	var target StepConfig

	switch stepType {
	case StepTypeEmail:
		target = &EmailConfig{}
	case StepTypeWebhookCall:
		target = &WebhookCallConfig{}
	case StepTypeDelay:
		target = &DelayConfig{}
	case StepTypeConditionBranch:
		target = &BranchConfig{}
	case StepTypeAICategorize:
		target = &CategorizeConfig{}
	case StepTypeSubWorkflow:
		target = &SubWorkflowConfig{}
	default:
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown step type %q", stepType)}
	}

	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, &ValidationError{Field: "config", Reason: err.Error()}
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(target); err != nil {
		return nil, &ValidationError{Field: "config", Reason: err.Error()}
	}

	if err := ValidateStruct(target); err != nil {
		return nil, err
	}

	if checker, ok := target.(configChecker); ok {
		if err := checker.check(); err != nil {
			var vErr *ValidationError
			if errors.As(err, &vErr) {
				return nil, vErr
			}

			return nil, &ValidationError{Field: "config", Reason: err.Error()}
		}
	}

	return deref(target), nil
}

func deref(cfg StepConfig) StepConfig {
	switch c := cfg.(type) {
	case *EmailConfig:
		return *c
	case *WebhookCallConfig:
		return *c
	case *DelayConfig:
		return *c
	case *BranchConfig:
		return *c
	case *CategorizeConfig:
		return *c
	case *SubWorkflowConfig:
		return *c
	default:
		return cfg
	}
}

func hasToken(s string) bool {
	return strings.Contains(s, "{{")
}
