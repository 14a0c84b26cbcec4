// Package telegram is a minimal Bot API client for outbound notifications.
//
// Requests are plain HTTPS POSTs with a JSON body. Every response is decoded
// into the Bot API envelope so that rate-limit hints and error codes reach the
// dispatcher intact.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"notifybot/internal/transport"
	logx "notifybot/pkg/logx"
)

const DefaultAPIURL = "https://api.telegram.org"

type Config struct {
	Token string
	// APIURL overrides the Bot API base (self-hosted server, tests).
	APIURL string
	// Timeout bounds a single HTTP exchange when the context has no deadline.
	Timeout time.Duration
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

type Client struct {
	base string
	http *http.Client
	log  logx.Logger
}

var _ transport.Client = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	api := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if api == "" {
		api = DefaultAPIURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base: api + "/bot" + token + "/",
		http: hc,
		log:  log.With(logx.String("comp", "telegram")),
	}, nil
}

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter      int   `json:"retry_after"`
		MigrateToChatID int64 `json:"migrate_to_chat_id"`
	} `json:"parameters"`
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	MessageThreadID       int    `json:"message_thread_id,omitempty"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

func (c *Client) SendMessage(ctx context.Context, msg transport.Message) (transport.Result, error) {
	req := sendMessageRequest{
		ChatID:                strings.TrimSpace(msg.ChatID),
		MessageThreadID:       msg.ThreadID,
		Text:                  msg.Text,
		ParseMode:             msg.ParseMode,
		DisableWebPagePreview: msg.DisablePreview,
	}
	var out struct {
		MessageID int   `json:"message_id"`
		Date      int64 `json:"date"`
	}
	if err := c.call(ctx, "sendMessage", req, &out); err != nil {
		return transport.Result{}, err
	}
	return transport.Result{MessageID: out.MessageID, Date: time.Unix(out.Date, 0)}, nil
}

func (c *Client) GetMe(ctx context.Context) (transport.Identity, error) {
	var out struct {
		ID       int64  `json:"id"`
		IsBot    bool   `json:"is_bot"`
		Username string `json:"username"`
	}
	if err := c.call(ctx, "getMe", struct{}{}, &out); err != nil {
		return transport.Identity{}, err
	}
	return transport.Identity{ID: out.ID, Username: out.Username, IsBot: out.IsBot}, nil
}

func (c *Client) call(ctx context.Context, method string, payload, result any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+method, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return redactToken(err, c.base)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram %s: read body: %w", method, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode/100 == 2 && decodeErr == nil && env.OK {
		if result == nil || len(env.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
		return nil
	}

	apiErr := &transport.APIError{
		Method:      method,
		Status:      resp.StatusCode,
		Code:        env.ErrorCode,
		Description: env.Description,
	}
	// ok=false with a 2xx status should not happen; treat it by error_code.
	if apiErr.Status/100 == 2 {
		apiErr.Status = env.ErrorCode
		if apiErr.Status == 0 {
			apiErr.Status = http.StatusBadGateway
		}
	}
	if env.Parameters != nil {
		apiErr.RetryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
		apiErr.MigrateTo = env.Parameters.MigrateToChatID
	}
	if apiErr.RetryAfter == 0 {
		if s, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && s > 0 {
			apiErr.RetryAfter = time.Duration(s) * time.Second
		}
	}
	if apiErr.Description == "" && decodeErr != nil {
		apiErr.Description = strings.TrimSpace(string(truncateBytes(body, 200)))
	}
	c.log.Debug("api error",
		logx.String("method", method),
		logx.Int("status", apiErr.Status),
		logx.String("description", apiErr.Description),
	)
	return apiErr
}

// redactToken strips the bot URL (which embeds the token) from transport errors.
func redactToken(err error, base string) error {
	msg := err.Error()
	if !strings.Contains(msg, base) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(msg, base, "<bot-api>/"), err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func truncateBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
