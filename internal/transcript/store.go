// internal/transcript/store.go
package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/user/gateclaw/internal/types"
)

// Store is a JSONL-backed append-only transcript store. Messages live in
// transcripts/<sessionID>.jsonl under the data root, one JSON object per
// line. Append is idempotent on message ID so a cancellation racing a
// completion, or a retried partial-result write, never duplicates a line.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
	seen  map[types.SessionID]map[types.MessageID]bool
}

// NewStore creates a transcript store rooted at the given data directory.
func NewStore(root string) *Store {
	return &Store{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
		seen:  make(map[types.SessionID]map[types.MessageID]bool),
	}
}

func (s *Store) dir() string {
	return filepath.Join(s.root, "transcripts")
}

func (s *Store) path(id types.SessionID) string {
	return filepath.Join(s.dir(), string(id)+".jsonl")
}

func (s *Store) getLock(id types.SessionID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[id] = lock
	return lock
}

// loadSeen scans the session file once and caches its message IDs. Must be
// called with the per-session lock held.
func (s *Store) loadSeen(id types.SessionID) (map[types.MessageID]bool, error) {
	s.mu.Lock()
	if ids, ok := s.seen[id]; ok {
		s.mu.Unlock()
		return ids, nil
	}
	s.mu.Unlock()

	ids := make(map[types.MessageID]bool)
	msgs, err := s.readAll(id)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m.ID != "" {
			ids[m.ID] = true
		}
	}

	s.mu.Lock()
	s.seen[id] = ids
	s.mu.Unlock()
	return ids, nil
}

// Append writes one message to the session transcript. A message whose ID was
// already appended is silently skipped.
func (s *Store) Append(_ context.Context, id types.SessionID, msg *types.Message) error {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	if msg.ID == "" {
		msg.ID = types.NewMessageID()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	ids, err := s.loadSeen(id)
	if err != nil {
		return err
	}
	if ids[msg.ID] {
		return nil
	}

	if err := os.MkdirAll(s.dir(), 0o755); err != nil {
		return fmt.Errorf("create transcripts dir: %w", err)
	}
	f, err := os.OpenFile(s.path(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	ids[msg.ID] = true
	return nil
}

func (s *Store) readAll(id types.SessionID) ([]*types.Message, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var msgs []*types.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg types.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// A torn trailing line from a crashed write is skipped, not fatal.
			continue
		}
		msgs = append(msgs, &msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return msgs, nil
}

// Messages returns up to limit most recent messages, oldest first. limit <= 0
// returns everything.
func (s *Store) Messages(_ context.Context, id types.SessionID, limit int) ([]*types.Message, error) {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	msgs, err := s.readAll(id)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// SessionFile describes one on-disk transcript discovered under the root.
type SessionFile struct {
	SessionID types.SessionID
	Path      string
	ModTime   time.Time
}

// SessionFiles lists every transcript file on disk, without reading contents.
func (s *Store) SessionFiles() ([]SessionFile, error) {
	entries, err := os.ReadDir(s.dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read transcripts dir: %w", err)
	}
	var out []SessionFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, SessionFile{
			SessionID: types.SessionID(strings.TrimSuffix(name, ".jsonl")),
			Path:      filepath.Join(s.dir(), name),
			ModTime:   info.ModTime(),
		})
	}
	return out, nil
}
