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
)

// HTTPExecutor invokes agents over the executor collaborator's HTTP API.
type HTTPExecutor struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPExecutor(baseURL, token string, timeout time.Duration, logger *slog.Logger) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (e *HTTPExecutor) Invoke(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("executor: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("executor: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.token)
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("executor: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("executor: decode response: %w", err)
	}
	result.Elapsed = time.Since(start)

	e.logger.Debug("agent invoked",
		"agent", req.AgentID,
		"conversation", req.ConversationID,
		"elapsed", result.Elapsed)
	return &result, nil
}
