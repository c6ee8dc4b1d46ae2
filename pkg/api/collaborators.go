package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Messenger delivers outbound text to the lead's chat client. The transport
// protocol behind it is out of the engine's scope.
type Messenger interface {
	Send(ctx context.Context, leadID, channel, text string) error
}

// DecisionRequest is the contract with the AI decision service. The engine
// treats the service as an opaque, retried function and never inspects model
// internals.
type DecisionRequest struct {
	PersonaID          string
	Goal               string
	CustomGoal         string
	Vertical           string
	AllowedActions     []string
	Slots              []string
	CurrentSlots       map[string]any
	ConversationWindow []string
}

// DecisionResponse carries whatever the AI produced: an optional reply,
// newly filled slots, a classified intent, and an optional requested
// follow-up action.
type DecisionResponse struct {
	ReplyText       string
	FilledSlots     map[string]any
	Intent          string
	RequestedAction string
}

// DecisionService is the AI collaborator consumed by agent and handoff
// nodes.
type DecisionService interface {
	Decide(ctx context.Context, req DecisionRequest) (DecisionResponse, error)

	// Summarize condenses a lead's history for a human taking over.
	Summarize(ctx context.Context, leadID string, history []HistoryEntry) (string, error)
}

// LeadSnapshot is the payload POSTed by webhook actions.
type LeadSnapshot struct {
	LeadID     string         `json:"lead_id"`
	CampaignID string         `json:"campaign_id"`
	NodeID     string         `json:"node_id"`
	Variables  map[string]any `json:"variables"`
}

// WebhookCaller performs the webhook sub-action. Only the response code is
// observed: 2xx is success, anything else is a retryable failure.
type WebhookCaller interface {
	Post(ctx context.Context, url string, snapshot LeadSnapshot) error
}

// LeadDirectory applies tag and status mutations to the external lead
// record.
type LeadDirectory interface {
	AddTag(ctx context.Context, leadID, tag string) error
	RemoveTag(ctx context.Context, leadID, tag string) error
	SetStatus(ctx context.Context, leadID, status string) error
}

// WakeScheduler owns the durable (wake_at, lead_id, generation) schedule.
// The driver never busy-polls timers; it schedules a wake and relies on the
// generation stamp to reject fires that arrive after the lead has moved on.
type WakeScheduler interface {
	ScheduleWake(ctx context.Context, leadID string, at time.Time, generation int64) error
}

// HTTPWebhookCaller is a WebhookCaller over net/http.
type HTTPWebhookCaller struct {
	Client *http.Client
}

func (w *HTTPWebhookCaller) Post(ctx context.Context, url string, snapshot LeadSnapshot) error {
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s: status %d", url, resp.StatusCode)
	}
	return nil
}
