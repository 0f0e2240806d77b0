package appclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/g960059/window/internal/api"
	"github.com/g960059/window/internal/model"
)

// Client performs the REST bootstrap calls against an agent.
type Client struct {
	baseURL      string
	apiKey       string
	client       *http.Client
	unaryTimeout time.Duration
}

const (
	defaultUnaryTimeout = 10 * time.Second
	DefaultHistoryLimit = 20
)

var ErrPayloadInvalid = errors.New("payload invalid")

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

func WithUnaryTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.unaryTimeout = timeout
	}
}

func New(host, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:      BaseURL(host),
		apiKey:       apiKey,
		client:       &http.Client{},
		unaryTimeout: defaultUnaryTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL adds an http scheme when the host has none.
func BaseURL(host string) string {
	h := strings.TrimRight(strings.TrimSpace(host), "/")
	if strings.HasPrefix(h, "http://") || strings.HasPrefix(h, "https://") {
		return h
	}
	return "http://" + h
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

// FetchStatus returns the agent status. Every failure mode (transport,
// non-200, decode) is an error; callers treat them all as unreachable.
func (c *Client) FetchStatus(ctx context.Context) (model.AgentStatus, error) {
	body, err := c.request(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return model.AgentStatus{}, err
	}
	if err := requireFields(body, "agent", "status", "context_remaining"); err != nil {
		return model.AgentStatus{}, fmt.Errorf("decode status: %w", err)
	}
	var resp api.StatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.AgentStatus{}, fmt.Errorf("decode status: %w", err)
	}
	status := model.AgentStatus{
		Agent:            resp.Agent,
		State:            model.ParseAgentState(resp.Status),
		ContextRemaining: resp.ContextRemaining,
	}
	if resp.TokensUsed != nil {
		status.TokensUsed = *resp.TokensUsed
	}
	if resp.Version != nil {
		status.Version = *resp.Version
	}
	return status, nil
}

// FetchMessages returns recent history in server order. Entries with an
// unknown role or an unparsable timestamp are dropped individually.
func (c *Client) FetchMessages(ctx context.Context, limit int, before *time.Time) ([]model.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if before != nil {
		query.Set("before", before.UTC().Format(time.RFC3339))
	}
	body, err := c.request(ctx, http.MethodGet, "/messages", query)
	if err != nil {
		return nil, err
	}
	if err := requireFields(body, "messages"); err != nil {
		return nil, fmt.Errorf("decode messages envelope: %w", err)
	}
	var env struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode messages envelope: %w", err)
	}
	out := make([]model.Message, 0, len(env.Messages))
	for _, raw := range env.Messages {
		msg, ok := decodeMessage(raw)
		if !ok {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func decodeMessage(raw json.RawMessage) (model.Message, bool) {
	var item api.MessageItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return model.Message{}, false
	}
	if strings.TrimSpace(item.ID) == "" {
		return model.Message{}, false
	}
	role, ok := model.ParseRole(item.Role)
	if !ok {
		return model.Message{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(item.Timestamp))
	if err != nil {
		return model.Message{}, false
	}
	return model.Message{
		ID:        item.ID,
		Role:      role,
		Content:   item.Content,
		Timestamp: ts,
	}, true
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}

func requireFields(body []byte, fields ...string) error {
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("%w: malformed json", ErrPayloadInvalid)
	}
	root := gjson.ParseBytes(body)
	for _, field := range fields {
		if v := root.Get(field); !v.Exists() || v.Type == gjson.Null {
			return fmt.Errorf("%w: missing %s", ErrPayloadInvalid, field)
		}
	}
	return nil
}
