// Package agent calls the conversational agent backend that answers robot
// messages.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Type selects the backend API an agent is invoked through.
type Type string

const (
	TypeChat     Type = "chat"
	TypeChatflow Type = "chatflow"
	TypeWorkflow Type = "workflow"
)

// ParseType accepts the configured agent type, case-insensitively.
func ParseType(raw string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(raw))); t {
	case TypeChat, TypeChatflow, TypeWorkflow:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, raw)
	}
}

// IsConversational reports whether the agent keeps a conversation id.
func (t Type) IsConversational() bool {
	return t == TypeChat || t == TypeChatflow
}

const (
	DefaultBaseURL = "http://localhost/v1"

	workflowSucceeded = "succeeded"
	maxErrorBody      = 1024
)

var (
	// ErrInvocation covers every way an agent call can fail to produce an answer.
	ErrInvocation      = errors.New("agent invocation failed")
	ErrUnsupportedType = fmt.Errorf("%w: unsupported agent type", ErrInvocation)
	ErrEmptyResponse   = fmt.Errorf("%w: empty response", ErrInvocation)
	ErrWorkflowFailed  = fmt.Errorf("%w: workflow did not succeed", ErrInvocation)
	ErrMissingOutput   = fmt.Errorf("%w: missing output field", ErrInvocation)
)

// Request is one blocking agent call.
type Request struct {
	Type    Type
	APIKey  string
	BaseURL string

	Inputs         map[string]any
	Query          string
	ConversationID string
	User           string

	// OutputField names the workflow output holding the reply text.
	OutputField string
}

// Response carries the reply text and, for conversational agents, the
// conversation the backend filed the turn under.
type Response struct {
	Answer         string
	ConversationID string
}

// Invoker is the agent backend as seen by dispatch.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// ClientOptions configures Client.
type ClientOptions struct {
	HTTPClient *http.Client
	BaseURL    string
	// Timeout bounds one HTTP round trip. Zero means no limit.
	Timeout time.Duration
}

// Client invokes agents over the backend's HTTP API in blocking mode.
type Client struct {
	http    *http.Client
	baseURL string
}

func NewClient(opts ClientOptions) *Client {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{http: client, baseURL: baseURL}
}

type chatRequest struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ResponseMode   string         `json:"response_mode"`
	ConversationID string         `json:"conversation_id"`
	User           string         `json:"user"`
}

type chatResponse struct {
	Answer         *string `json:"answer"`
	ConversationID string  `json:"conversation_id"`
}

type workflowRequest struct {
	Inputs       map[string]any `json:"inputs"`
	ResponseMode string         `json:"response_mode"`
	User         string         `json:"user"`
}

type workflowResponse struct {
	Data *struct {
		Status  string         `json:"status"`
		Outputs map[string]any `json:"outputs"`
		Error   string         `json:"error"`
	} `json:"data"`
}

// Invoke runs one agent turn.
func (c *Client) Invoke(ctx context.Context, req Request) (*Response, error) {
	switch req.Type {
	case TypeChat, TypeChatflow:
		return c.chat(ctx, req)
	case TypeWorkflow:
		return c.workflow(ctx, req)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, req.Type)
	}
}

func (c *Client) chat(ctx context.Context, req Request) (*Response, error) {
	body := chatRequest{
		Inputs:         nonNilInputs(req.Inputs),
		Query:          req.Query,
		ResponseMode:   "blocking",
		ConversationID: req.ConversationID,
		User:           req.User,
	}

	var out chatResponse
	if err := c.post(ctx, req, "/chat-messages", body, &out); err != nil {
		return nil, err
	}
	if out.Answer == nil {
		return nil, fmt.Errorf("%w: no answer in chat response", ErrEmptyResponse)
	}
	return &Response{Answer: *out.Answer, ConversationID: out.ConversationID}, nil
}

func (c *Client) workflow(ctx context.Context, req Request) (*Response, error) {
	body := workflowRequest{
		Inputs:       nonNilInputs(req.Inputs),
		ResponseMode: "blocking",
		User:         req.User,
	}

	var out workflowResponse
	if err := c.post(ctx, req, "/workflows/run", body, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return nil, fmt.Errorf("%w: no data in workflow response", ErrEmptyResponse)
	}
	if out.Data.Status != workflowSucceeded {
		if out.Data.Error != "" {
			return nil, fmt.Errorf("%w: status %q: %s", ErrWorkflowFailed, out.Data.Status, out.Data.Error)
		}
		return nil, fmt.Errorf("%w: status %q", ErrWorkflowFailed, out.Data.Status)
	}

	value, ok := out.Data.Outputs[req.OutputField]
	if !ok || value == nil {
		return nil, fmt.Errorf("%w: %q", ErrMissingOutput, req.OutputField)
	}
	answer, err := outputText(value)
	if err != nil {
		return nil, err
	}
	return &Response{Answer: answer}, nil
}

func (c *Client) post(ctx context.Context, req Request, path string, payload any, dst any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", ErrInvocation, err)
	}

	base := strings.TrimRight(strings.TrimSpace(req.BaseURL), "/")
	if base == "" {
		base = c.baseURL
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvocation, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvocation, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrInvocation, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return newStatusError(resp.StatusCode, raw)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return ErrEmptyResponse
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrInvocation, err)
	}
	return nil
}

func outputText(value any) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("%w: encode output: %v", ErrInvocation, err)
	}
	return string(encoded), nil
}

func nonNilInputs(inputs map[string]any) map[string]any {
	if inputs == nil {
		return map[string]any{}
	}
	return inputs
}

func newStatusError(statusCode int, body []byte) error {
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	if text == "" {
		return fmt.Errorf("%w: backend responded with status %d", ErrInvocation, statusCode)
	}
	return fmt.Errorf("%w: backend responded with status %d: %s", ErrInvocation, statusCode, text)
}
