package email

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, to, subject, htmlBody, textBody string) (SendResult, error) {
	args := m.Called(ctx, to, subject, htmlBody, textBody)

	return args.Get(0).(SendResult), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func stepContext(cfg models.EmailConfig) *workflow.StepContext {
	return &workflow.StepContext{
		Step:   &models.StepSpec{ID: "notify", Type: models.StepTypeEmail},
		Config: cfg,
	}
}

func TestHandler_SendsOnce(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, "ana@example.com", "Hi", "<p>hi</p>", "").
		Return(SendResult{Success: true, MessageID: "m-1"}, nil).Once()

	h := New(sender, testLogger(), WithRetryDelay(time.Millisecond))
	sc := stepContext(models.EmailConfig{To: "ana@example.com", Subject: "Hi", HTMLBody: "<p>hi</p>"})

	out, err := h.Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, "m-1", out["message_id"])
	assert.Equal(t, 1, sc.Attempts)
	sender.AssertExpectations(t)
}

func TestHandler_RetriesTransportErrorsLinearly(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(SendResult{}, errors.New("smtp down")).Twice()
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(SendResult{Success: true, MessageID: "m-2"}, nil).Once()

	h := New(sender, testLogger(), WithRetryDelay(5*time.Millisecond))
	sc := stepContext(models.EmailConfig{To: "a@b.c", Subject: "s", TextBody: "t"})

	start := time.Now()
	out, err := h.Execute(context.Background(), sc)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "m-2", out["message_id"])
	assert.Equal(t, 3, sc.Attempts)
	assert.GreaterOrEqual(t, elapsed, 15*time.Millisecond, "waits 1x then 2x the delay")
}

func TestHandler_ExhaustedRetriesFailTheStep(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(SendResult{Success: false}, nil)

	h := New(sender, testLogger(), WithRetryDelay(time.Millisecond), WithMaxAttempts(5))
	sc := stepContext(models.EmailConfig{To: "a@b.c", Subject: "s", TextBody: "t", MaxAttempts: 2})

	_, err := h.Execute(context.Background(), sc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotAccepted)
	assert.Equal(t, 2, sc.Attempts, "step config overrides the handler default")
	sender.AssertNumberOfCalls(t, "Send", 2)
}

func TestHandler_StopsWhenContextEnds(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(SendResult{}, errors.New("timeout"))

	h := New(sender, testLogger(), WithRetryDelay(time.Hour), WithMaxAttempts(10))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.Execute(ctx, stepContext(models.EmailConfig{To: "a@b.c", Subject: "s", TextBody: "t"}))
	require.Error(t, err)
	sender.AssertNumberOfCalls(t, "Send", 1)
}

func TestLogSender(t *testing.T) {
	res, err := NewLogSender(testLogger()).Send(context.Background(), "a@b.c", "s", "", "t")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.MessageID)
}
