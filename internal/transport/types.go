// Package transport defines the outbound messaging surface used by the
// dispatcher. Platform clients live in subpackages.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Message is one outbound send.
type Message struct {
	// ChatID is a numeric chat id or an @channel username.
	ChatID string
	// ThreadID targets a forum topic. 0 means none.
	ThreadID       int
	Text           string
	ParseMode      string
	DisablePreview bool
}

// Result is what the platform returned for an accepted message.
type Result struct {
	MessageID int
	Date      time.Time
}

// Identity is the bot account behind the credential.
type Identity struct {
	ID       int64
	Username string
	IsBot    bool
}

// Client sends messages. Errors are *APIError for platform rejections or
// plain errors for network failures and timeouts.
type Client interface {
	SendMessage(ctx context.Context, msg Message) (Result, error)
	GetMe(ctx context.Context) (Identity, error)
}

// APIError is a structured platform rejection.
type APIError struct {
	Method      string
	Status      int // HTTP status
	Code        int // platform error_code, usually equal to Status
	Description string
	// RetryAfter is set for rate-limit responses.
	RetryAfter time.Duration
	// MigrateTo is set when a group was upgraded to a supergroup.
	MigrateTo int64
}

func (e *APIError) Error() string {
	s := fmt.Sprintf("telegram %s failed: http=%d", e.Method, e.Status)
	if e.Code != 0 && e.Code != e.Status {
		s += fmt.Sprintf(" code=%d", e.Code)
	}
	if e.Description != "" {
		s += ": " + e.Description
	}
	if e.RetryAfter > 0 {
		s += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return s
}

func (e *APIError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests || e.Code == http.StatusTooManyRequests
}

func (e *APIError) ServerError() bool { return e.Status >= 500 }

// Unauthorized reports a rejected credential.
func (e *APIError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Code == http.StatusUnauthorized
}
