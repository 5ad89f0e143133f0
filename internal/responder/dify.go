package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/real-rm/gohelper"
	"github.com/real-rm/golog"

	"github.com/real-rm/handoff/internal/constants"
)

// DifyClient talks to the Dify chat-messages API in blocking mode.
type DifyClient struct {
	apiKey   string
	endpoint string
	logger   *golog.Logger
	client   *http.Client
}

// NewDifyClient creates a new Dify client
func NewDifyClient(apiKey, endpoint string, timeout time.Duration, logger *golog.Logger) *DifyClient {
	if timeout <= 0 {
		timeout = constants.UpstreamTimeout
	}
	return &DifyClient{
		apiKey:   apiKey,
		endpoint: endpoint,
		logger:   logger,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// difyRequest represents the request format for Dify API
type difyRequest struct {
	Inputs         map[string]string `json:"inputs"`
	Query          string            `json:"query"`
	ResponseMode   string            `json:"response_mode"` // always "blocking"
	ConversationID string            `json:"conversation_id,omitempty"`
	User           string            `json:"user"`
}

// difyResponse represents the response format from Dify API
type difyResponse struct {
	Event          string       `json:"event,omitempty"`
	MessageID      string       `json:"message_id,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Mode           string       `json:"mode,omitempty"`
	Answer         string       `json:"answer,omitempty"`
	Metadata       difyMetadata `json:"metadata,omitempty"`
	CreatedAt      int64        `json:"created_at,omitempty"`
}

type difyMetadata struct {
	Usage difyUsage `json:"usage,omitempty"`
}

type difyUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Send posts one query to Dify and returns the full answer. Passing the
// conversation ID from an earlier reply keeps the upstream thread;
// passing "" starts a new one and the response carries the assigned ID.
func (c *DifyClient) Send(ctx context.Context, userID, conversationID, query string) (*Reply, error) {
	startTime := time.Now()

	reqBody := difyRequest{
		Inputs:         make(map[string]string),
		Query:          query,
		ResponseMode:   "blocking",
		ConversationID: conversationID,
		User:           c.userTag(userID),
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+"/chat-messages", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, constants.MaxUpstreamErrorBody))
		return nil, fmt.Errorf("Dify API error (status %d): %s", resp.StatusCode, string(body))
	}

	var difyResp difyResponse
	if err := json.NewDecoder(resp.Body).Decode(&difyResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if difyResp.Answer == "" {
		return nil, fmt.Errorf("no answer in response")
	}

	return &Reply{
		Answer:         difyResp.Answer,
		ConversationID: difyResp.ConversationID,
		TokensUsed:     difyResp.Metadata.Usage.TotalTokens,
		Duration:       time.Since(startTime),
	}, nil
}

// userTag builds the stable end-user identifier Dify uses to segment
// conversations. Anonymous callers fall back to a date-scoped tag.
func (c *DifyClient) userTag(userID string) string {
	if userID != "" {
		return "user-" + userID
	}
	return "user-" + fmt.Sprintf("%d", gohelper.TimeToDateInt(time.Now()))
}
