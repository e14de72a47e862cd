package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/zapdesk/internal/store"
)

// HTTPResponder delivers replies through the channel owner's messaging API.
// When no URL is configured replies are logged and dropped, which is the
// standalone dry-run mode.
type HTTPResponder struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPResponder(baseURL, token string, logger *slog.Logger) *HTTPResponder {
	return &HTTPResponder{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

type respondPayload struct {
	ConversationID string          `json:"conversation_id"`
	Contact        string          `json:"contact"`
	AgentID        string          `json:"agent_id"`
	Text           string          `json:"text"`
	Credentials    json.RawMessage `json:"credentials,omitempty"`
}

func (r *HTTPResponder) Respond(ctx context.Context, conv *store.Conversation, agent *store.Agent, text string) error {
	if r.baseURL == "" {
		r.logger.Info("reply (no responder configured)",
			"conversation", conv.ID, "contact", conv.Contact, "text", text)
		return nil
	}

	body, err := json.Marshal(respondPayload{
		ConversationID: conv.ID.String(),
		Contact:        conv.Contact,
		AgentID:        agent.ID.String(),
		Text:           text,
		Credentials:    agent.ChannelCredentials,
	})
	if err != nil {
		return fmt.Errorf("responder: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("responder: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("responder: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("responder: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
