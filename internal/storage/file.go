package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "notifybot/pkg/logx"
)

// fileLedger is a dependency-free ledger backend.
//
// Files:
//   - <prefix>.ledger.snapshot.json (compacted map event_id -> unix milli)
//   - <prefix>.ledger.journal.jsonl (append-only, fsynced per record)
//
// The journal is periodically compacted into the snapshot. The snapshot is
// renamed into place before the journal is truncated, so a crash between the
// two steps only replays records that are already in the snapshot.
type fileLedger struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	delivered    map[string]int64

	compactEvery int
	writes       int
}

func openFile(cfg Config, log logx.Logger) (Ledger, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".ledger.snapshot.json"
	journalPath := prefix + ".ledger.journal.jsonl"

	delivered := map[string]int64{}
	if err := loadSnapshot(snapPath, delivered); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, delivered); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = 1000
	}
	log.Debug("file ledger opened", logx.String("path", journalPath), logx.Int("records", len(delivered)))
	return &fileLedger{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		delivered:    delivered,
		compactEvery: every,
	}, nil
}

func (s *fileLedger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileLedger) IsDelivered(ctx context.Context, eventID string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	_, ok := s.delivered[strings.TrimSpace(eventID)]
	return ok, nil
}

func (s *fileLedger) RecordDelivered(ctx context.Context, eventID string, at time.Time) error {
	_ = ctx
	key := strings.TrimSpace(eventID)
	if key == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.delivered[key]; ok {
		return nil
	}

	rec := Record{EventID: key, DeliveredAt: at.UnixMilli()}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.delivered[key] = rec.DeliveredAt

	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("ledger compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileLedger) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.delivered); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	s.log.Debug("ledger compacted", logx.Int("records", len(s.delivered)))
	return err
}

func loadSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		// A torn final line from a crash mid-write is skipped.
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.EventID == "" {
			continue
		}
		if _, ok := out[r.EventID]; !ok {
			out[r.EventID] = r.DeliveredAt
		}
	}
	return sc.Err()
}
