package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/cmd"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/otelhelper"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/persistence/memory"
	"github.com/dukex/autoflow/pkg/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef"

const paidWorkflow = `
name: Notify CRM of paid invoices
triggers:
  - id: invoice-paid
    event_type: invoice_paid
    is_active: true
    conditions:
      field: amount
      op: gte
      value: 100
steps:
  - id: forward
    type: webhook-call
    order: 1
    config:
      eventType: invoice.paid
`

type receiver struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, err := signature.VerifyRequest(req, secret, signature.DefaultTolerance)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)

		return
	}

	r.mu.Lock()
	r.bodies = append(r.bodies, body)
	r.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (r *receiver) received() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([][]byte(nil), r.bodies...)
}

func newTestServer(t *testing.T, dir string) (*Server, *memory.Persistence) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewPersistence()

	bus, err := cmd.NewEventBus("gochannel", serviceName, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	server, err := NewServer(t.Context(), Config{DefinitionsDir: dir}, store, bus, nil, otelhelper.Tracer(), logger)
	require.NoError(t, err)
	t.Cleanup(server.engine.Close)

	return server, store
}

func request(t *testing.T, server *Server, method, path string, body any) *http.Response {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")

	resp, err := server.App().Test(req)
	require.NoError(t, err)

	return resp
}

func TestServer_EventToSignedDelivery(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "paid.yaml"), []byte(paidWorkflow), 0o600))

	server, store := newTestServer(t, dir)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	require.NoError(t, server.engine.Subscribe(ctx, server.eventBus))

	crm := &receiver{}
	target := httptest.NewServer(crm)
	defer target.Close()

	resp := request(t, server, http.MethodPost, "/subscriptions", map[string]any{
		"url":         target.URL,
		"secret":      secret,
		"event_types": []string{"invoice.paid"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = request(t, server, http.MethodPost, "/events", map[string]any{
		"eventType": "invoice_paid",
		"eventId":   "evt-small",
		"data":      map[string]any{"amount": 20},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = request(t, server, http.MethodPost, "/events", map[string]any{
		"eventType": "invoice_paid",
		"eventId":   "evt-large",
		"data":      map[string]any{"amount": 250, "invoiceId": "inv-9"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		executions, _, err := store.Executions(ctx, persistence.ExecutionFilter{
			WorkflowID: "paid",
			Status:     models.ExecutionStatusSucceeded,
		})

		return err == nil && len(executions) == 1
	}, 5*time.Second, 20*time.Millisecond)

	n, err := server.deliveries.ProcessDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	bodies := crm.received()
	require.Len(t, bodies, 1)

	var delivered map[string]any
	require.NoError(t, json.Unmarshal(bodies[0], &delivered))
	assert.Equal(t, "invoice.paid", delivered["eventType"])
	assert.Equal(t, map[string]any{"amount": float64(250), "invoiceId": "inv-9"}, delivered["data"])

	deliveries, _, err := store.Deliveries(ctx, persistence.DeliveryFilter{})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, models.DeliveryStatusDelivered, deliveries[0].Status)
}

func TestServer_DefinitionsAreAppliedOnce(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "paid.yaml"), []byte(paidWorkflow), 0o600))

	server, store := newTestServer(t, dir)

	def, err := store.WorkflowByID(t.Context(), "paid")
	require.NoError(t, err)
	assert.Equal(t, 1, def.Version)
	assert.True(t, def.Active)

	require.NoError(t, server.loadDefinitions(t.Context(), dir))

	def, err = store.WorkflowByID(t.Context(), "paid")
	require.NoError(t, err)
	assert.Equal(t, 1, def.Version)

	_, ok := server.engine.Registry().Get("invoice-paid")
	assert.True(t, ok)
}

func TestServer_InvalidDefinitionsStopStartup(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: broken\nsteps: []\n"), 0o600))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewServer(t.Context(), Config{DefinitionsDir: dir}, memory.NewPersistence(), nil, nil, otelhelper.Tracer(), logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")
}

func TestServer_Health(t *testing.T) {
	server, _ := newTestServer(t, "")

	resp, err := server.App().Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
