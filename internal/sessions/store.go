package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	snapshotExt = ".json"
	logExt      = ".jsonl"
	fullLogExt  = ".full.jsonl"
	lockExt     = ".lock"
	archiveDir  = "archive"
)

// Log record types the store itself replays onto snapshots. Any other type
// is carried verbatim for observers.
const (
	LogMessageAppended = "message.appended"
)

// logRecord is one line of the event log. Rev is the snapshot revision the
// record extends; a replay skips records older than the snapshot.
type logRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Rev       int64           `json:"rev"`
}

// Options configures a Store.
type Options struct {
	Dir         string
	LockTimeout time.Duration
	LockStale   time.Duration
	History     HistoryPolicy
	Now         func() time.Time
}

// Store persists session records under one directory. All mutating
// operations take the per-session advisory lock; reads do not.
type Store struct {
	dir         string
	lockTimeout time.Duration
	lockStale   time.Duration
	history     HistoryPolicy
	now         func() time.Time

	mu         sync.Mutex
	inProgress map[string]bool
}

// New opens (creating if needed) the store directory.
func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("sessions: store dir is required")
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.LockStale <= 0 {
		opts.LockStale = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if err := os.MkdirAll(filepath.Join(opts.Dir, archiveDir), 0o755); err != nil {
		return nil, fmt.Errorf("sessions: create store dir: %w", err)
	}
	return &Store{
		dir:         opts.Dir,
		lockTimeout: opts.LockTimeout,
		lockStale:   opts.LockStale,
		history:     opts.History,
		now:         opts.Now,
		inProgress:  map[string]bool{},
	}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

func encodeID(id string) string { return url.QueryEscape(id) }

func (s *Store) base(id string) string         { return filepath.Join(s.dir, encodeID(id)) }
func (s *Store) snapshotPath(id string) string { return s.base(id) + snapshotExt }
func (s *Store) logPath(id string) string      { return s.base(id) + logExt }
func (s *Store) fullLogPath(id string) string  { return s.base(id) + fullLogExt }
func (s *Store) lockPath(id string) string     { return s.base(id) + lockExt }

// withLock runs fn while holding the session's advisory lock.
func (s *Store) withLock(id string, fn func() error) error {
	lock, err := acquireLock(s.lockPath(id), s.lockTimeout, s.lockStale)
	if err != nil {
		return lockHeld(id, err)
	}
	defer lock.release()
	return fn()
}

// MarkTurnInProgress flags a session as having an executing turn. Flagged
// sessions are protected from retention.
func (s *Store) MarkTurnInProgress(id string) {
	s.mu.Lock()
	s.inProgress[id] = true
	s.mu.Unlock()
}

// ClearTurnInProgress removes the in-progress flag.
func (s *Store) ClearTurnInProgress(id string) {
	s.mu.Lock()
	delete(s.inProgress, id)
	s.mu.Unlock()
}

// TurnInProgress reports whether a turn is executing in the session.
func (s *Store) TurnInProgress(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress[id]
}

// Exists reports whether a snapshot exists for the id.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.snapshotPath(id))
	return err == nil
}

// Load reads the snapshot and replays the log tail onto it. Recoverable
// defects come back as diagnostics alongside a usable record: a malformed
// snapshot is quarantined and rebuilt from the log, a torn log line stops
// the replay at the last valid prefix.
func (s *Store) Load(id string) (*Record, []Diagnostic, error) {
	var diags []Diagnostic
	rec := &Record{SessionID: id, History: []Message{}}

	data, err := os.ReadFile(s.snapshotPath(id))
	switch {
	case err == nil:
		if uerr := json.Unmarshal(data, rec); uerr != nil {
			q := fmt.Sprintf("%s.malformed.%d", s.base(id), s.now().UnixMilli())
			if rerr := os.Rename(s.snapshotPath(id), q); rerr == nil {
				slog.Warn("session.snapshot.quarantined", "session", id, "to", filepath.Base(q))
			}
			diags = append(diags, Diagnostic{Code: DiagMalformedSnapshot, Message: uerr.Error()})
			rec = &Record{SessionID: id, History: []Message{}}
		}
	case os.IsNotExist(err):
		if _, lerr := os.Stat(s.logPath(id)); os.IsNotExist(lerr) {
			return nil, nil, notFound(id)
		}
	default:
		return nil, nil, fmt.Errorf("sessions: read snapshot %s: %w", id, err)
	}

	tailDiags := s.replayLog(rec, s.logPath(id))
	diags = append(diags, tailDiags...)
	return rec, diags, nil
}

// replayLog applies the valid prefix of the log tail onto rec.
func (s *Store) replayLog(rec *Record, path string) []Diagnostic {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var diags []Diagnostic
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var lr logRecord
		if err := json.Unmarshal(raw, &lr); err != nil {
			diags = append(diags, Diagnostic{
				Code:    DiagTruncatedLog,
				Message: fmt.Sprintf("log line %d unparseable, replay stopped: %v", line, err),
			})
			return diags
		}
		if lr.Rev < rec.Revision {
			continue // tail predates the snapshot
		}
		applyLogRecord(rec, lr)
	}
	if err := scanner.Err(); err != nil {
		diags = append(diags, Diagnostic{
			Code:    DiagTruncatedLog,
			Message: fmt.Sprintf("log read stopped at line %d: %v", line, err),
		})
	}
	return diags
}

func applyLogRecord(rec *Record, lr logRecord) {
	switch lr.Type {
	case LogMessageAppended:
		var msg Message
		if err := json.Unmarshal(lr.Payload, &msg); err != nil || msg.Role == "" {
			return
		}
		rec.History = append(rec.History, msg)
		if lr.Timestamp.After(rec.Metadata.LastActivityAt) {
			rec.Metadata.LastActivityAt = lr.Timestamp
		}
	}
}

// Save trims history to policy, bumps the revision, writes the snapshot
// atomically, and resets the log tail. The caller's record is updated in
// place.
func (s *Store) Save(rec *Record) (TrimReport, error) {
	var report TrimReport
	err := s.withLock(rec.SessionID, func() error {
		report = TrimHistory(rec, s.history)
		rec.Revision++
		rec.UpdatedAt = s.now()
		if err := s.writeSnapshot(rec); err != nil {
			rec.Revision--
			return err
		}
		// The tail is folded into the snapshot now. A crash before this
		// truncate is harmless: stale records carry an older rev.
		if err := os.Truncate(s.logPath(rec.SessionID), 0); err != nil && !os.IsNotExist(err) {
			slog.Warn("session.log.truncate_failed", "session", rec.SessionID, "error", err)
		}
		return nil
	})
	return report, err
}

func (s *Store) writeSnapshot(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("sessions: encode snapshot %s: %w", rec.SessionID, err)
	}
	tmp, err := os.CreateTemp(s.dir, "session-*.tmp")
	if err != nil {
		return fmt.Errorf("sessions: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sessions: write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sessions: sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.snapshotPath(rec.SessionID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("sessions: rename snapshot: %w", err)
	}
	return nil
}

// AppendEvent appends one record to the session's log tail and full log.
// The write is O_APPEND without fsync; Flush provides the durability
// boundary at end-of-turn.
func (s *Store) AppendEvent(id, eventType string, payload interface{}) error {
	return s.withLock(id, func() error {
		var raw json.RawMessage
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("sessions: encode event payload: %w", err)
			}
			raw = data
		}
		lr := logRecord{
			Timestamp: s.now(),
			Type:      eventType,
			Payload:   raw,
			Rev:       s.revisionOf(id),
		}
		line, err := json.Marshal(lr)
		if err != nil {
			return err
		}
		line = append(line, '\n')
		if err := appendLine(s.logPath(id), line); err != nil {
			return err
		}
		return appendLine(s.fullLogPath(id), line)
	})
}

// AppendMessage logs a history append. Replayed onto snapshots at Load.
func (s *Store) AppendMessage(id string, msg Message) error {
	return s.AppendEvent(id, LogMessageAppended, msg)
}

// Flush fsyncs the session's log files. Called on the end-of-turn boundary.
func (s *Store) Flush(id string) error {
	for _, p := range []string{s.logPath(id), s.fullLogPath(id)} {
		f, err := os.OpenFile(p, os.O_WRONLY, 0)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		serr := f.Sync()
		cerr := f.Close()
		if serr != nil {
			return serr
		}
		if cerr != nil {
			return cerr
		}
	}
	return nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.Write(line)
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// revisionOf reads the current snapshot revision from disk. Reading under
// the session lock keeps the stamped rev correct even when another process
// saved the session since we last saw it.
func (s *Store) revisionOf(id string) int64 {
	var head struct {
		Revision int64 `json:"revision"`
	}
	data, err := os.ReadFile(s.snapshotPath(id))
	if err == nil {
		_ = json.Unmarshal(data, &head)
	}
	return head.Revision
}

// ListIndex returns summaries for all live (non-archived) sessions, newest
// activity first.
func (s *Store) ListIndex() ([]IndexEntry, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []IndexEntry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != snapshotExt {
			continue
		}
		var rec Record
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil || json.Unmarshal(data, &rec) != nil || rec.SessionID == "" {
			continue
		}
		entry := IndexEntry{
			SessionID:        rec.SessionID,
			Title:            rec.Metadata.Title,
			ActiveProviderID: rec.ActiveProviderID,
			CreatedAt:        rec.Metadata.CreatedAt,
			LastActivityAt:   rec.Metadata.LastActivityAt,
			Revision:         rec.Revision,
			Messages:         len(rec.History),
			SizeBytes:        int64(len(data)) + fileSize(s.logPath(rec.SessionID)) + fileSize(s.fullLogPath(rec.SessionID)),
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Delete removes a session and its logs.
func (s *Store) Delete(id string) error {
	return s.withLock(id, func() error {
		if !s.Exists(id) {
			return notFound(id)
		}
		for _, p := range []string{s.snapshotPath(id), s.logPath(id), s.fullLogPath(id)} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		s.mu.Lock()
		delete(s.inProgress, id)
		s.mu.Unlock()
		return nil
	})
}

// Rename moves a session to a new id. Fails with conflict when the target
// exists unless overwrite is set.
func (s *Store) Rename(from, to string, overwrite bool) error {
	if from == to {
		return nil
	}
	// Lock in lexical order so concurrent renames cannot deadlock.
	first, second := from, to
	if second < first {
		first, second = second, first
	}
	return s.withLock(first, func() error {
		return s.withLock(second, func() error {
			if !s.Exists(from) {
				return notFound(from)
			}
			if s.Exists(to) && !overwrite {
				return conflict(to, fmt.Errorf("rename target exists"))
			}
			rec, _, err := s.Load(from)
			if err != nil {
				return err
			}
			rec.SessionID = to
			rec.Revision++
			rec.UpdatedAt = s.now()
			if err := s.writeSnapshot(rec); err != nil {
				return err
			}
			for _, ext := range []string{logExt, fullLogExt} {
				old := s.base(from) + ext
				if _, err := os.Stat(old); err == nil {
					if err := os.Rename(old, s.base(to)+ext); err != nil {
						return err
					}
				}
			}
			if err := os.Remove(s.snapshotPath(from)); err != nil && !os.IsNotExist(err) {
				return err
			}
			return nil
		})
	})
}

// Export returns a portable deep copy of the live record.
func (s *Store) Export(id string) (*Record, error) {
	rec, _, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Import installs a record under its own session id. Fails with conflict
// when the id exists unless overwrite is set. The imported revision is
// preserved; logs reset.
func (s *Store) Import(rec *Record, overwrite bool) error {
	if rec == nil || rec.SessionID == "" {
		return fmt.Errorf("sessions: import requires a record with a session id")
	}
	cp := rec.Clone()
	return s.withLock(cp.SessionID, func() error {
		if s.Exists(cp.SessionID) && !overwrite {
			return conflict(cp.SessionID, fmt.Errorf("import target exists"))
		}
		cp.UpdatedAt = s.now()
		if err := s.writeSnapshot(cp); err != nil {
			return err
		}
		for _, p := range []string{s.logPath(cp.SessionID), s.fullLogPath(cp.SessionID)} {
			if err := os.Truncate(p, 0); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		return nil
	})
}

// Archive moves a session into the archive subdirectory.
func (s *Store) Archive(id string) error {
	return s.withLock(id, func() error {
		if !s.Exists(id) {
			return notFound(id)
		}
		for _, ext := range []string{snapshotExt, logExt, fullLogExt} {
			old := s.base(id) + ext
			if _, err := os.Stat(old); os.IsNotExist(err) {
				continue
			}
			dst := filepath.Join(s.dir, archiveDir, encodeID(id)+ext)
			if err := os.Rename(old, dst); err != nil {
				return err
			}
		}
		return nil
	})
}
