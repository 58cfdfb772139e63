package persist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"pkt.systems/imagine/schema"
	"pkt.systems/pslog"
)

// TranscriptDir is the subdirectory of the state dir holding transcripts.
const TranscriptDir = "transcripts"

// Transcript status values.
const (
	StatusComplete = "complete"
	StatusError    = "error"
)

// Transcript is the diagnostic record of one finished session.
type Transcript struct {
	SessionID  schema.SessionID `json:"session_id"`
	Prompt     string           `json:"prompt"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Status     string           `json:"status"`
	Error      string           `json:"error,omitempty"`
	Actions    []schema.Action  `json:"actions"`
	Output     string           `json:"output"`
}

// Store persists transcripts to disk.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a transcript store under stateDir.
func NewStore(stateDir string) (*Store, error) {
	return NewStoreWithLogger(stateDir, nil)
}

// NewStoreWithLogger constructs a transcript store with logging.
func NewStoreWithLogger(stateDir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, errors.New("state directory is required")
	}
	dir := filepath.Join(stateDir, TranscriptDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("transcript_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Dir returns the directory transcripts are written to.
func (s *Store) Dir() string {
	return s.dir
}

// Load reads a transcript. The bool is false when none exists.
func (s *Store) Load(id schema.SessionID) (Transcript, bool, error) {
	path := s.pathFor(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("transcript load miss", "session", id)
			}
			return Transcript{}, false, nil
		}
		s.warn("transcript load failed", id, err)
		return Transcript{}, false, err
	}
	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		s.warn("transcript load failed", id, err)
		return Transcript{}, false, err
	}
	if s.log != nil {
		s.log.Debug("transcript load ok", "session", id, "actions", len(t.Actions))
	}
	return t, true, nil
}

// Save writes a transcript atomically.
func (s *Store) Save(t Transcript) error {
	path := s.pathFor(t.SessionID)
	if t.Actions == nil {
		t.Actions = []schema.Action{}
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		s.warn("transcript save failed", t.SessionID, err)
		return err
	}
	if err := writeFileAtomic(path, data); err != nil {
		s.warn("transcript save failed", t.SessionID, err)
		return err
	}
	if s.log != nil {
		s.log.Trace("transcript save ok", "session", t.SessionID, "status", t.Status, "actions", len(t.Actions))
	}
	return nil
}

func (s *Store) warn(msg string, id schema.SessionID, err error) {
	if s.log != nil {
		s.log.Warn(msg, "session", id, "err", err)
	}
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "transcript-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) pathFor(id schema.SessionID) string {
	name := sanitize(string(id))
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, name+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
