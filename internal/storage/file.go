package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"recurd/internal/occurrence"
	logx "recurd/pkg/logx"
	"strings"
	"time"
)

const fileCompactEvery = 1000

// fileStore is the dependency-free backend: memory state made durable with
// an append-only journal that is periodically folded into a snapshot.
//
// Files:
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
//   - <prefix>.snapshot.json  (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl  (one change per line since the snapshot)
//
// A change (rule + occurrence) is one line, so a torn write drops the whole
// commit on replay.
type fileStore struct {
	*memStore
	log logx.Logger

	snapshotPath string
	journal      *os.File
	auditFile    *os.File
	writes       int
}

type fileSnapshot struct {
	Rules       []RuleRecord            `json:"rules"`
	Occurrences []occurrence.Descriptor `json:"occurrences"`
	Dedup       map[string]int64        `json:"dedup"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, &Error{Op: "open", Err: errors.New("storage.path is required for file driver")}
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrap("open", err)
	}

	mem := newMemStore()
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, wrap("load snapshot", err)
	}
	skipped, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, wrap("replay journal", err)
	}
	if skipped > 0 {
		log.Warn("journal lines skipped", logx.Int("count", skipped), logx.String("path", journalPath))
	}
	mem.pruneDedupLocked()

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, wrap("open", err)
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, wrap("open", err)
	}

	fs := &fileStore{
		memStore:     mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		auditFile:    af,
	}
	mem.persist = fs.appendJournal
	if skipped > 0 {
		// Fold the good lines into a snapshot so new writes do not land
		// behind a torn line.
		if err := fs.compactLocked(); err != nil {
			_ = fs.Close()
			return nil, wrap("compact", err)
		}
	}
	return fs, nil
}

// appendJournal runs with memStore.mu held.
func (s *fileStore) appendJournal(c change) error {
	if s.journal == nil {
		return ErrDisabled
	}
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.journal.Write(b); err != nil {
		return err
	}
	if c.Rule != nil || c.Occurrence != nil {
		if err := s.journal.Sync(); err != nil {
			return err
		}
	}
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		// The change is applied after persist returns; fold it in first.
		s.applyLocked(c)
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	s.pruneDedupLocked()
	snap := fileSnapshot{Dedup: make(map[string]int64, len(s.dedup))}
	for _, r := range s.rules {
		snap.Rules = append(snap.Rules, r)
	}
	for _, o := range s.occs {
		snap.Occurrences = append(snap.Occurrences, o)
	}
	for k, v := range s.dedup {
		snap.Dedup[k] = v.UnixMilli()
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
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
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return wrap("append audit", err)
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrDisabled
	}
	return wrap("append audit", json.NewEncoder(s.auditFile).Encode(e))
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.compactLocked())
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return wrap("close", errors.Join(errs...))
}

func loadSnapshot(path string, mem *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for i := range snap.Rules {
		mem.applyLocked(change{Rule: &snap.Rules[i]})
	}
	for i := range snap.Occurrences {
		mem.applyLocked(change{Occurrence: &snap.Occurrences[i]})
	}
	for k, v := range snap.Dedup {
		mem.dedup[k] = time.UnixMilli(v)
	}
	return nil
}

// replayJournal applies journal lines in order and reports how many lines
// could not be decoded (torn writes).
func replayJournal(path string, mem *memStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var c change
		if err := json.Unmarshal(sc.Bytes(), &c); err != nil {
			skipped++
			continue
		}
		mem.applyLocked(c)
	}
	return skipped, sc.Err()
}
