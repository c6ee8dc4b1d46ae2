package outflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memMessenger struct {
	mu   sync.Mutex
	sent []string
}

func (m *memMessenger) Send(ctx context.Context, leadID, channel, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, text)
	return nil
}

func (m *memMessenger) texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

// waitForStatus polls until the lead reaches the wanted status or the
// deadline passes.
func waitForStatus(t *testing.T, eng Engine, leadID string, status Status) *LeadContext {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		lc, err := eng.GetContext(context.Background(), leadID)
		if err == nil && lc.Status == status {
			return lc
		}
		if err != nil && !errors.Is(err, ErrLeadNotFound) {
			t.Fatalf("GetContext: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("lead %s never reached status %s", leadID, status)
	return nil
}

func TestLocalRunnerEndToEnd(t *testing.T) {
	ctx := context.Background()
	messenger := &memMessenger{}
	runner := NewLocalRunner(EngineOptions{Messenger: messenger})
	defer runner.Stop()

	g := NewGraph("promo").
		Trigger("entry", TriggerConfig{}).
		Action("hello", ActionConfig{Op: ActionSendMessage, Template: "Welcome!", Channel: "whatsapp"}).
		Closing("done", FinalCompleted, false).
		Edge("entry", PortDefault, "hello").
		Edge("hello", PortDefault, "done").
		MustBuild()
	_, err := runner.Engine.PublishGraph(ctx, g)
	require.NoError(t, err)

	require.NoError(t, runner.StartWorkers(ctx, 2))
	require.NoError(t, runner.EnrollAsync(ctx, "lead-1", "promo", Message("lead-1", "whatsapp", "hi")))

	lc := waitForStatus(t, runner.Engine, "lead-1", StatusClosed)
	assert.Equal(t, FinalCompleted, lc.FinalStatus)
	assert.Equal(t, []string{"Welcome!"}, messenger.texts())
}

func TestLocalRunnerDelayTimerFires(t *testing.T) {
	ctx := context.Background()
	messenger := &memMessenger{}
	runner := NewLocalRunner(EngineOptions{Messenger: messenger})
	defer runner.Stop()

	g := NewGraph("drip").
		Trigger("entry", TriggerConfig{}).
		Delay("cooloff", 1, "s").
		Action("nudge", ActionConfig{Op: ActionSendMessage, Template: "Still interested?", Channel: "whatsapp"}).
		Closing("done", FinalCompleted, false).
		Edge("entry", PortDefault, "cooloff").
		Edge("cooloff", PortDefault, "nudge").
		Edge("nudge", PortDefault, "done").
		MustBuild()
	_, err := runner.Engine.PublishGraph(ctx, g)
	require.NoError(t, err)

	require.NoError(t, runner.StartWorkers(ctx, 1))
	require.NoError(t, runner.EnrollAsync(ctx, "lead-1", "drip", Message("lead-1", "whatsapp", "hi")))

	// Parked first, then woken by the queued timer.
	waitForStatus(t, runner.Engine, "lead-1", StatusWaitingTimer)
	lc := waitForStatus(t, runner.Engine, "lead-1", StatusClosed)
	assert.Equal(t, FinalCompleted, lc.FinalStatus)
	assert.Equal(t, []string{"Still interested?"}, messenger.texts())
}

func TestLocalRunnerInboundPreemptsDelay(t *testing.T) {
	ctx := context.Background()
	runner := NewLocalRunner(EngineOptions{})
	defer runner.Stop()

	g := NewGraph("drip").
		Trigger("entry", TriggerConfig{}).
		Delay("cooloff", 1, "h").
		Closing("done", FinalCompleted, false).
		Edge("entry", PortDefault, "cooloff").
		Edge("cooloff", PortDefault, "done").
		MustBuild()
	_, err := runner.Engine.PublishGraph(ctx, g)
	require.NoError(t, err)

	require.NoError(t, runner.StartWorkers(ctx, 1))
	require.NoError(t, runner.EnrollAsync(ctx, "lead-1", "drip", Message("lead-1", "whatsapp", "hi")))
	waitForStatus(t, runner.Engine, "lead-1", StatusWaitingTimer)

	// The reply arrives an hour early and wins over the timer.
	require.NoError(t, runner.InboundAsync(ctx, Message("lead-1", "whatsapp", "sooner please")))
	waitForStatus(t, runner.Engine, "lead-1", StatusClosed)
}

func TestLocalRunnerStartTwiceFails(t *testing.T) {
	runner := NewLocalRunner(EngineOptions{})
	defer runner.Stop()

	require.NoError(t, runner.StartWorkers(context.Background(), 1))
	assert.Error(t, runner.StartWorkers(context.Background(), 1))
}
