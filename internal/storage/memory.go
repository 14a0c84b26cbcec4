package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memLedger struct {
	mu     sync.RWMutex
	m      map[string]time.Time
	closed bool
}

// NewMemory returns a process-local ledger.
func NewMemory() Ledger {
	return &memLedger{m: map[string]time.Time{}}
}

func (l *memLedger) IsDelivered(ctx context.Context, eventID string) (bool, error) {
	_ = ctx
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return false, ErrClosed
	}
	_, ok := l.m[strings.TrimSpace(eventID)]
	return ok, nil
}

func (l *memLedger) RecordDelivered(ctx context.Context, eventID string, at time.Time) error {
	_ = ctx
	key := strings.TrimSpace(eventID)
	if key == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, ok := l.m[key]; !ok {
		l.m[key] = at
	}
	return nil
}

func (l *memLedger) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}
