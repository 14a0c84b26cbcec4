package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"notifybot/internal/transport"
	logx "notifybot/pkg/logx"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{Token: "123:abc", APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestSendMessageSuccess(t *testing.T) {
	t.Parallel()
	var got sendMessageRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bot123:abc/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":42,"date":1700000000}}`))
	})

	res, err := c.SendMessage(context.Background(), transport.Message{
		ChatID: "-1001", ThreadID: 7, Text: "hi", ParseMode: "HTML", DisablePreview: true,
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if res.MessageID != 42 {
		t.Fatalf("message id = %d", res.MessageID)
	}
	if got.ChatID != "-1001" || got.MessageThreadID != 7 || got.Text != "hi" || got.ParseMode != "HTML" || !got.DisableWebPagePreview {
		t.Fatalf("request = %+v", got)
	}
}

func TestSendMessageErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		status     int
		body       string
		header     string
		wantStatus int
		wantRetry  time.Duration
		rateLimit  bool
		server     bool
	}{
		{
			name:       "rate limited",
			status:     429,
			body:       `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5","parameters":{"retry_after":5}}`,
			wantStatus: 429, wantRetry: 5 * time.Second, rateLimit: true,
		},
		{
			name:       "rate limited header only",
			status:     429,
			body:       `{"ok":false,"error_code":429,"description":"Too Many Requests"}`,
			header:     "3",
			wantStatus: 429, wantRetry: 3 * time.Second, rateLimit: true,
		},
		{
			name:       "server error",
			status:     502,
			body:       `<html>bad gateway</html>`,
			wantStatus: 502, server: true,
		},
		{
			name:       "bad request",
			status:     400,
			body:       `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`,
			wantStatus: 400,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tc.header != "" {
					w.Header().Set("Retry-After", tc.header)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.SendMessage(context.Background(), transport.Message{ChatID: "1", Text: "x"})
			var apiErr *transport.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want *APIError", err)
			}
			if apiErr.Status != tc.wantStatus {
				t.Fatalf("status = %d, want %d", apiErr.Status, tc.wantStatus)
			}
			if apiErr.RetryAfter != tc.wantRetry {
				t.Fatalf("retry after = %v, want %v", apiErr.RetryAfter, tc.wantRetry)
			}
			if apiErr.RateLimited() != tc.rateLimit || apiErr.ServerError() != tc.server {
				t.Fatalf("classification = ratelimited %v server %v", apiErr.RateLimited(), apiErr.ServerError())
			}
		})
	}
}

func TestGetMe(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/getMe") {
			w.WriteHeader(404)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":99,"is_bot":true,"username":"alert_bot"}}`))
	})
	id, err := c.GetMe(context.Background())
	if err != nil {
		t.Fatalf("GetMe: %v", err)
	}
	if id.ID != 99 || id.Username != "alert_bot" || !id.IsBot {
		t.Fatalf("identity = %+v", id)
	}
}

func TestGetMeUnauthorized(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	})
	_, err := c.GetMe(context.Background())
	var apiErr *transport.APIError
	if !errors.As(err, &apiErr) || !apiErr.Unauthorized() {
		t.Fatalf("err = %v, want unauthorized APIError", err)
	}
}

func TestNetworkErrorHidesToken(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := New(Config{Token: "123:secret", APIURL: url}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.SendMessage(context.Background(), transport.Message{ChatID: "1", Text: "x"})
	if err == nil {
		t.Fatalf("expected network error")
	}
	if strings.Contains(err.Error(), "secret") {
		t.Fatalf("error leaks token: %v", err)
	}
	var apiErr *transport.APIError
	if errors.As(err, &apiErr) {
		t.Fatalf("network error must not be an APIError")
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}
