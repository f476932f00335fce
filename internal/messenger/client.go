// Package messenger sends robot replies through the POPO open API.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultBaseURL  = "https://open.popo.netease.com/open-apis/robots/v1"
	DefaultTokenTTL = 90 * time.Minute

	accessTokenHeader = "Open-Access-Token"
	richTextMsgType   = "rich_text"
)

var (
	// ErrDelivery covers every way a reply can fail to reach POPO.
	ErrDelivery        = errors.New("message delivery failed")
	ErrInvalidReceiver = fmt.Errorf("%w: receiver must be a POPO email or a 5-10 digit group id", ErrDelivery)
	ErrToken           = fmt.Errorf("%w: access token request failed", ErrDelivery)
)

// ReceiverType tells a user receiver from a group receiver.
type ReceiverType int

const (
	ReceiverUser ReceiverType = iota + 1
	ReceiverGroup
)

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9.-]{2,}$`)
	groupPattern = regexp.MustCompile(`^\d{5,10}$`)
)

// ValidateReceiver classifies receiver or returns ErrInvalidReceiver.
func ValidateReceiver(receiver string) (ReceiverType, error) {
	switch {
	case emailPattern.MatchString(receiver):
		return ReceiverUser, nil
	case groupPattern.MatchString(receiver):
		return ReceiverGroup, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidReceiver, receiver)
	}
}

// Credentials identify the robot application a message is sent as.
type Credentials struct {
	AppKey    string
	AppSecret string
	// WebhookURL, when set, routes replies through a custom-robot webhook
	// instead of the robot API. WebhookSecret signs those posts.
	WebhookURL    string
	WebhookSecret string
	// KeepMarkdownImages skips the [img] conversion for this application.
	KeepMarkdownImages bool
}

// Messenger delivers text to a POPO user or group.
type Messenger interface {
	Send(ctx context.Context, creds Credentials, receiver, message string) error
}

// ClientOptions configures Client.
type ClientOptions struct {
	HTTPClient *http.Client
	BaseURL    string
	TokenTTL   time.Duration
	// KeepMarkdownImages disables the [img] conversion.
	KeepMarkdownImages bool
	Now                func() time.Time
}

// Client is the POPO robot API client. Access tokens are cached per app key.
type Client struct {
	http          *http.Client
	baseURL       string
	tokenTTL      time.Duration
	convertImages bool
	now           func() time.Time

	mu     sync.Mutex
	tokens map[string]cachedToken
	group  singleflight.Group
}

type cachedToken struct {
	value   string
	expires time.Time
}

func NewClient(opts ClientOptions) *Client {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		http:          client,
		baseURL:       baseURL,
		tokenTTL:      ttl,
		convertImages: !opts.KeepMarkdownImages,
		now:           now,
		tokens:        make(map[string]cachedToken),
	}
}

type apiResponse struct {
	ErrCode *int            `json:"errcode"`
	ErrMsg  string          `json:"errmsg"`
	Data    json.RawMessage `json:"data"`
}

type sendRequest struct {
	Receiver string      `json:"receiver"`
	Message  sendMessage `json:"message"`
	MsgType  string      `json:"msgType"`
}

type sendMessage struct {
	Content []sendContent `json:"content"`
}

type sendContent struct {
	Tag  string `json:"tag"`
	Text string `json:"text"`
}

// Send validates the receiver, converts markdown images and posts message as
// rich text.
func (c *Client) Send(ctx context.Context, creds Credentials, receiver, message string) error {
	if _, err := ValidateReceiver(receiver); err != nil {
		return err
	}
	if c.convertImages && !creds.KeepMarkdownImages {
		message = ConvertImages(message)
	}

	token, err := c.token(ctx, creds)
	if err != nil {
		return err
	}

	body := sendRequest{
		Receiver: receiver,
		Message:  sendMessage{Content: []sendContent{{Tag: "text", Text: message}}},
		MsgType:  richTextMsgType,
	}
	if _, err := c.post(ctx, "/im/send-msg", body, token); err != nil {
		// The token may have been revoked; fetch a fresh one next time.
		c.forgetToken(creds.AppKey)
		return fmt.Errorf("send to %s: %w", receiver, err)
	}
	return nil
}

func (c *Client) token(ctx context.Context, creds Credentials) (string, error) {
	c.mu.Lock()
	cached, ok := c.tokens[creds.AppKey]
	c.mu.Unlock()
	if ok && c.now().Before(cached.expires) {
		return cached.value, nil
	}

	value, err, _ := c.group.Do(creds.AppKey, func() (any, error) {
		return c.fetchToken(ctx, creds)
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

func (c *Client) fetchToken(ctx context.Context, creds Credentials) (string, error) {
	data, err := c.post(ctx, "/token", map[string]string{
		"appKey":    creds.AppKey,
		"appSecret": creds.AppSecret,
	}, "")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrToken, err)
	}

	var payload struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.AccessToken == "" {
		return "", fmt.Errorf("%w: no access token in response", ErrToken)
	}

	c.mu.Lock()
	c.tokens[creds.AppKey] = cachedToken{value: payload.AccessToken, expires: c.now().Add(c.tokenTTL)}
	c.mu.Unlock()
	return payload.AccessToken, nil
}

func (c *Client) forgetToken(appKey string) {
	c.mu.Lock()
	delete(c.tokens, appKey)
	c.mu.Unlock()
}

func (c *Client) post(ctx context.Context, path string, payload any, token string) (json.RawMessage, error) {
	return postJSON(ctx, c.http, c.baseURL+path, payload, token)
}

// postJSON posts payload and requires a zero errcode in the reply.
func postJSON(ctx context.Context, client *http.Client, url string, payload any, token string) (json.RawMessage, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrDelivery, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(accessTokenHeader, token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var out apiResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode != http.StatusOK || decodeErr != nil || out.ErrCode == nil || *out.ErrCode != 0 {
		if decodeErr == nil && out.ErrMsg != "" {
			return nil, fmt.Errorf("%w: status %d: %s", ErrDelivery, resp.StatusCode, out.ErrMsg)
		}
		return nil, fmt.Errorf("%w: status %d, no errmsg", ErrDelivery, resp.StatusCode)
	}
	return out.Data, nil
}
