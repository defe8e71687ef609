package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/HyphaGroup/portcullis/internal/logger"
)

// PhaseEvent describes a completed workflow phase for external trackers
type PhaseEvent struct {
	ProjectID   string `json:"project_id"`
	ProjectName string `json:"project_name"`
	PhaseNumber int    `json:"phase_number"`
	PhaseName   string `json:"phase_name"`
	BranchName  string `json:"branch_name,omitempty"`
	PullURL     string `json:"pull_url,omitempty"`
}

// Notifier delivers phase completion events to an external tracker.
// Delivery is best effort; a failed notification never affects the workflow.
type Notifier interface {
	PhaseCompleted(ctx context.Context, ev PhaseEvent)
}

// NewNotifier returns a webhook notifier when a URL is configured,
// otherwise a no-op
func NewNotifier(webhookURL string) Notifier {
	if webhookURL == "" {
		return noop{}
	}
	return &webhook{
		url:    webhookURL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type noop struct{}

func (noop) PhaseCompleted(context.Context, PhaseEvent) {}

type webhook struct {
	url    string
	client *http.Client
}

// PhaseCompleted posts the event in a background goroutine so the caller
// never blocks on the tracker
func (w *webhook) PhaseCompleted(ctx context.Context, ev PhaseEvent) {
	go func() {
		if err := w.post(ev); err != nil {
			logger.ErrorContext(ctx, "phase notification failed",
				"project_id", ev.ProjectID, "phase", ev.PhaseName, "error", err)
		}
	}()
}

func (w *webhook) post(ev PhaseEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("tracker returned status %d", resp.StatusCode)
	}
	return nil
}
