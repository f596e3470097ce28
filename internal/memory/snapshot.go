package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// LatestFileName is the rolling snapshot file, overwritten on every write so
// a restart can resume without knowing the previous session id.
const LatestFileName = "context-latest.json"

// defaultSnapshotInterval is the minimum spacing between periodic writes.
const defaultSnapshotInterval = 5 * time.Minute

// SnapshotFileName returns the per-session snapshot file name.
func SnapshotFileName(sessionID string) string {
	return "context-" + sessionID + ".json"
}

// SnapshotItem is one persisted memory entry. Exactly one of the payload
// fields is set, selected by Kind.
type SnapshotItem struct {
	Kind string `json:"kind"` // "voice" | "shared" | "arena" | "history"

	// Kind "voice": one L1 entry.
	Voice *VoiceContext `json:"voice,omitempty"`

	// Kind "shared": one L2 entry under its cache key.
	Key    string         `json:"key,omitempty"`
	Shared *SharedContext `json:"shared,omitempty"`

	// Kind "arena": the full collaboration arena, stored once.
	Records []CollaborationRecord `json:"records,omitempty"`

	// Kind "history": one voice's L3 index list into the arena.
	VoiceID string `json:"voiceId,omitempty"`
	Indices []int  `json:"indices,omitempty"`
}

// Snapshot is the on-disk session context document.
type Snapshot struct {
	SessionID string         `json:"sessionId"`
	Timestamp time.Time      `json:"timestamp"`
	Items     []SnapshotItem `json:"items"`
	Summary   string         `json:"summary"`
}

// Snapshot captures the store's full state. The arena is compacted first so
// the document never carries records no voice references anymore.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.compactLocked()

	snap := Snapshot{
		SessionID: s.sessionID,
		Timestamp: s.now(),
	}

	for _, id := range sortedKeys(s.l1) {
		ctx := copyContext(s.l1[id])
		snap.Items = append(snap.Items, SnapshotItem{Kind: "voice", Voice: &ctx})
	}

	// Keys() is most recently used first; preserved order lets restore
	// rebuild the same recency.
	for _, key := range s.l2.Keys() {
		shared, ok := s.l2.Get(key)
		if !ok {
			continue
		}
		cp := *shared
		cp.RecentCollaborations = append([]int(nil), shared.RecentCollaborations...)
		cp.CommonPatterns = append([]string(nil), shared.CommonPatterns...)
		cp.CrossVoiceInsights = append([]string(nil), shared.CrossVoiceInsights...)
		snap.Items = append(snap.Items, SnapshotItem{Kind: "shared", Key: key, Shared: &cp})
	}

	snap.Items = append(snap.Items, SnapshotItem{
		Kind:    "arena",
		Records: append([]CollaborationRecord(nil), s.arena...),
	})

	for _, id := range sortedKeys(s.byVoice) {
		snap.Items = append(snap.Items, SnapshotItem{
			Kind:    "history",
			VoiceID: id,
			Indices: append([]int(nil), s.byVoice[id]...),
		})
	}

	snap.Summary = fmt.Sprintf("%d voice contexts, %d shared contexts, %d collaborations",
		len(s.l1), len(s.l2.Keys()), len(s.arena))
	return snap
}

// NewStoreFromSnapshot rebuilds a store from a persisted session context.
func NewStoreFromSnapshot(snap Snapshot, opts ...StoreOption) (*Store, error) {
	if snap.SessionID == "" {
		return nil, errors.New("memory: snapshot has no session id")
	}
	s := NewStore(snap.SessionID, opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	var sharedItems []SnapshotItem
	for _, item := range snap.Items {
		switch item.Kind {
		case "voice":
			if item.Voice == nil || item.Voice.VoiceID == "" {
				return nil, errors.New("memory: snapshot: voice item without payload")
			}
			ctx := copyContext(item.Voice)
			s.l1[item.Voice.VoiceID] = &ctx
		case "shared":
			if item.Key == "" || item.Shared == nil {
				return nil, errors.New("memory: snapshot: shared item without payload")
			}
			sharedItems = append(sharedItems, item)
		case "arena":
			s.arena = append([]CollaborationRecord(nil), item.Records...)
		case "history":
			if item.VoiceID == "" {
				return nil, errors.New("memory: snapshot: history item without voice id")
			}
			s.byVoice[item.VoiceID] = append([]int(nil), item.Indices...)
		default:
			return nil, fmt.Errorf("memory: snapshot: unknown item kind %q", item.Kind)
		}
	}

	for id, refs := range s.byVoice {
		for _, idx := range refs {
			if idx < 0 || idx >= len(s.arena) {
				return nil, fmt.Errorf("memory: snapshot: history index %d for voice %q out of range", idx, id)
			}
		}
	}

	// Restore in reverse so the first snapshot item ends up most recent.
	for i := len(sharedItems) - 1; i >= 0; i-- {
		item := sharedItems[i]
		cp := *item.Shared
		s.l2.Put(item.Key, &cp)
	}

	return s, nil
}

// Persister writes periodic snapshots of one store into a directory. Writes
// are rate-limited; Flush bypasses the limit for shutdown.
type Persister struct {
	store    *Store
	dir      string
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	lastWrite time.Time
}

// PersisterOption customises a Persister.
type PersisterOption func(*Persister)

// WithInterval overrides the minimum spacing between periodic writes.
func WithInterval(d time.Duration) PersisterOption {
	return func(p *Persister) { p.interval = d }
}

// WithPersisterClock overrides the persister's time source.
func WithPersisterClock(now func() time.Time) PersisterOption {
	return func(p *Persister) { p.now = now }
}

// WithLogger sets the logger used for write reports.
func WithLogger(log *slog.Logger) PersisterOption {
	return func(p *Persister) { p.log = log }
}

// NewPersister returns a persister writing snapshots of store into dir.
func NewPersister(store *Store, dir string, opts ...PersisterOption) *Persister {
	p := &Persister{
		store:    store,
		dir:      dir,
		interval: defaultSnapshotInterval,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// MaybeWrite persists a snapshot unless one was written within the
// configured interval. It reports whether a write happened.
func (p *Persister) MaybeWrite() (bool, error) {
	p.mu.Lock()
	if !p.lastWrite.IsZero() && p.now().Sub(p.lastWrite) < p.interval {
		p.mu.Unlock()
		return false, nil
	}
	p.mu.Unlock()

	if err := p.Flush(); err != nil {
		return false, err
	}
	return true, nil
}

// Flush persists a snapshot immediately, regardless of the interval. Called
// on shutdown so the session's last state is never older than its work.
func (p *Persister) Flush() error {
	snap := p.store.Snapshot()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: encode snapshot: %w", err)
	}

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("memory: create snapshot dir: %w", err)
	}
	if err := writeAtomic(filepath.Join(p.dir, SnapshotFileName(snap.SessionID)), data); err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(p.dir, LatestFileName), data); err != nil {
		return err
	}

	p.mu.Lock()
	p.lastWrite = p.now()
	p.mu.Unlock()

	p.log.Debug("memory: snapshot written",
		"session", snap.SessionID,
		"items", len(snap.Items),
		"summary", snap.Summary)
	return nil
}

// LoadLatest reads the rolling snapshot from dir.
func LoadLatest(dir string) (Snapshot, error) {
	return loadFile(filepath.Join(dir, LatestFileName))
}

// LoadSession reads the snapshot for one session id from dir.
func LoadSession(dir, sessionID string) (Snapshot, error) {
	return loadFile(filepath.Join(dir, SnapshotFileName(sessionID)))
}

func loadFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("memory: read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("memory: decode snapshot %s: %w", filepath.Base(path), err)
	}
	return snap, nil
}

// writeAtomic writes data via a temporary file and rename so readers never
// observe a partial snapshot.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("memory: write snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("memory: write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("memory: write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("memory: write snapshot: %w", err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
