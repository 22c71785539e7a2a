// Package trigger keeps the compiled trigger registry and matches incoming events against it.
package trigger

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/autoflow/pkg/condition"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/schedule"
	"github.com/xeipuuv/gojsonschema"
)

// Compiled is a registered trigger with its condition, cron and payload schema parsed once.
type Compiled struct {
	WorkflowID string
	Spec       models.TriggerSpec

	condition condition.Node
	cron      *schedule.Cron
	schema    *gojsonschema.Schema
}

// Active reports whether the trigger currently fires.
func (c *Compiled) Active() bool {
	return c.Spec.IsActive
}

// Compile checks a trigger definition and parses everything evaluation needs.
// Problems are reported as *models.ValidationError.
func Compile(workflowID string, spec *models.TriggerSpec) (*Compiled, error) {
	if spec == nil {
		return nil, &models.ValidationError{Field: "trigger", Reason: "trigger is empty"}
	}

	if err := models.ValidateStruct(spec); err != nil {
		return nil, err
	}

	compiled := &Compiled{WorkflowID: workflowID, Spec: *spec}

	node, err := condition.Parse(spec.Conditions)
	if err != nil {
		return nil, err
	}

	compiled.condition = node

	switch {
	case spec.IsSchedule():
		if strings.TrimSpace(spec.ScheduleExpression) == "" {
			return nil, &models.ValidationError{Field: "schedule_expression", Reason: "schedule trigger needs a cron expression"}
		}

		c, err := schedule.ParseCron(spec.ScheduleExpression)
		if err != nil {
			return nil, &models.ValidationError{Field: "schedule_expression", Reason: err.Error()}
		}

		compiled.cron = c
	case spec.IsWebhook():
		if strings.TrimSpace(spec.WebhookURL) == "" {
			return nil, &models.ValidationError{Field: "webhook_url", Reason: "webhook trigger needs a listener path"}
		}

		compiled.Spec.WebhookURL = NormalizePath(spec.WebhookURL)
	}

	if len(spec.PayloadSchema) > 0 {
		s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(spec.PayloadSchema))
		if err != nil {
			return nil, &models.ValidationError{Field: "payload_schema", Reason: err.Error()}
		}

		compiled.schema = s
	}

	return compiled, nil
}

// NormalizePath gives inbound webhook paths a single leading slash and no trailing one.
func NormalizePath(path string) string {
	return "/" + strings.Trim(strings.TrimSpace(path), "/")
}

// Registry is the shared set of compiled triggers. Each mutation touches the entries of a
// single trigger or workflow under the registry lock.
type Registry struct {
	mu         sync.RWMutex
	triggers   map[string]*Compiled
	byWorkflow map[string][]string
	logger     *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		triggers:   make(map[string]*Compiled),
		byWorkflow: make(map[string][]string),
		logger:     logger.With("module", "trigger_registry"),
	}
}

// Register compiles and adds one trigger of workflowID.
func (r *Registry) Register(workflowID string, spec *models.TriggerSpec) error {
	compiled, err := Compile(workflowID, spec)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.add(compiled)
}

// Replace swaps every trigger of workflowID for specs. Nothing changes when any spec is invalid.
func (r *Registry) Replace(workflowID string, specs []*models.TriggerSpec) error {
	compiled := make([]*Compiled, 0, len(specs))

	var errs models.ValidationErrors

	for i, spec := range specs {
		c, err := Compile(workflowID, spec)
		if err != nil {
			errs = errs.Append(fmt.Sprintf("triggers[%d]", i), err)

			continue
		}

		compiled = append(compiled, c)
	}

	if err := errs.ErrOrNil(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range compiled {
		if owner, taken := r.triggers[c.Spec.ID]; taken && owner.WorkflowID != workflowID {
			return &models.ValidationError{Field: "triggers." + c.Spec.ID, Reason: "trigger id already registered by workflow " + owner.WorkflowID}
		}
	}

	r.remove(workflowID)

	for _, c := range compiled {
		if err := r.add(c); err != nil {
			return err
		}
	}

	r.logger.Info("Registered workflow triggers", "workflow_id", workflowID, "count", len(compiled))

	return nil
}

// Deregister removes every trigger of workflowID.
func (r *Registry) Deregister(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.remove(workflowID)
}

// SetActive flips the active flag of one trigger. It returns false for unknown ids.
func (r *Registry) SetActive(triggerID string, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.triggers[triggerID]
	if !ok {
		return false
	}

	updated := *current
	updated.Spec.IsActive = active
	r.triggers[triggerID] = &updated

	return true
}

func (r *Registry) Get(triggerID string) (*Compiled, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.triggers[triggerID]

	return c, ok
}

// ForWorkflow returns the triggers of workflowID in registration order.
func (r *Registry) ForWorkflow(workflowID string) []*Compiled {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Compiled, 0, len(r.byWorkflow[workflowID]))
	for _, id := range r.byWorkflow[workflowID] {
		result = append(result, r.triggers[id])
	}

	return result
}

// Active returns the active triggers listening for eventType, ordered by id.
func (r *Registry) Active(eventType string) []*Compiled {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Compiled, 0)

	for _, c := range r.triggers {
		if c.Spec.IsActive && c.Spec.EventType == eventType {
			result = append(result, c)
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Spec.ID < result[j].Spec.ID })

	return result
}

// Schedules lists the active schedule triggers for the ticker.
func (r *Registry) Schedules() []schedule.Entry {
	compiled := r.Active(models.TriggerEventSchedule)
	entries := make([]schedule.Entry, 0, len(compiled))

	for _, c := range compiled {
		entries = append(entries, schedule.Entry{TriggerID: c.Spec.ID, WorkflowID: c.WorkflowID, Cron: c.cron})
	}

	return entries
}

// Len returns the number of registered triggers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.triggers)
}

func (r *Registry) add(c *Compiled) error {
	if owner, taken := r.triggers[c.Spec.ID]; taken && owner.WorkflowID != c.WorkflowID {
		return &models.ValidationError{Field: "triggers." + c.Spec.ID, Reason: "trigger id already registered by workflow " + owner.WorkflowID}
	}

	if _, exists := r.triggers[c.Spec.ID]; !exists {
		r.byWorkflow[c.WorkflowID] = append(r.byWorkflow[c.WorkflowID], c.Spec.ID)
	}

	r.triggers[c.Spec.ID] = c

	return nil
}

func (r *Registry) remove(workflowID string) {
	for _, id := range r.byWorkflow[workflowID] {
		delete(r.triggers, id)
	}

	delete(r.byWorkflow, workflowID)
}
