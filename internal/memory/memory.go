// Package memory implements the hierarchical voice memory: a resident
// per-voice tier (L1), a TTL-bounded shared-context tier (L2), and a
// long-term collaboration history (L3).
//
// L3 records are stored once in an arena; each participating voice holds
// indices into it rather than owning copies, so a record shared by three
// voices exists exactly once. Voice index lists are bounded; the arena is
// compacted when the share of dead records grows.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/synod-ai/synod/internal/cache"
	"github.com/synod-ai/synod/pkg/types"
)

const (
	// L1 bounds.
	maxRecentInteractions   = 5
	maxSuccessPatterns      = 10
	maxCollaborationHistory = 5

	// L2 bounds.
	l2Capacity              = 100
	l2TTL                   = 30 * time.Minute
	maxSharedCollaborations = 20
	maxSharedPatterns       = 10
	maxSharedInsights       = 10

	// L3 bounds.
	maxVoiceHistory = 20

	// compactThreshold triggers arena compaction once the arena holds this
	// many more records than are actually referenced.
	compactThreshold = 512

	// emaAlpha smooths L1 performance metrics.
	emaAlpha = 0.1

	// patternQualityFloor is the minimum quality for a collaboration to
	// count as a reusable success pattern.
	patternQualityFloor = 0.7
)

// OutcomeKind classifies how a collaboration ended.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomePartial OutcomeKind = "partial"
	OutcomeFailure OutcomeKind = "failure"
)

// Interaction is one prompt a voice has recently seen.
type Interaction struct {
	Prompt string    `json:"prompt"`
	At     time.Time `json:"at"`
}

// Metrics is the smoothed per-voice performance view held in L1. It is
// deliberately independent of the voice registry's own record: memory
// reflects what collaborations taught us, the registry what invocations did.
type Metrics struct {
	AvgQuality  float64       `json:"avgQuality"`
	AvgDuration time.Duration `json:"avgDuration"`
	AvgTokens   float64       `json:"avgTokens"`
	SuccessRate float64       `json:"successRate"`
	Samples     int           `json:"samples"`
}

// CollaborationRecord is one completed collaboration, stored once in the L3
// arena and referenced by every participant.
type CollaborationRecord struct {
	At       time.Time      `json:"at"`
	Voices   []string       `json:"voices"`
	TaskType types.TaskType `json:"taskType"`
	Outcome  OutcomeKind    `json:"outcome"`
	Quality  float64        `json:"quality"`
	Tokens   int            `json:"tokens"`
	Duration time.Duration  `json:"duration"`
}

// VoiceContext is the L1 entry for one voice.
type VoiceContext struct {
	VoiceID              string                `json:"voiceId"`
	RecentInteractions   []Interaction         `json:"recentInteractions"` // newest first
	Specialization       []string              `json:"specialization"`
	SuccessPatterns      []string              `json:"successPatterns"`
	CollaborationHistory []CollaborationRecord `json:"collaborationHistory"` // newest first
	Performance          Metrics               `json:"performance"`
}

// Quality scores how useful this context entry is: a base of 0.5 plus
// bonuses for populated sections and the voice's success rate, capped at 1.
func (c *VoiceContext) Quality() float64 {
	q := 0.5
	if len(c.RecentInteractions) > 0 {
		q += 0.1
	}
	if len(c.SuccessPatterns) > 0 {
		q += 0.2
	}
	if len(c.CollaborationHistory) > 0 {
		q += 0.1
	}
	q += 0.1 * c.Performance.SuccessRate
	return min(q, 1.0)
}

// SharedContext is the L2 entry for a family or a (task, voice-set) key.
type SharedContext struct {
	TaskDomain           string   `json:"taskDomain"`
	RecentCollaborations []int    `json:"recentCollaborations"` // arena indices, newest last
	CommonPatterns       []string `json:"commonPatterns"`
	CrossVoiceInsights   []string `json:"crossVoiceInsights"`
}

// Query asks for the context a voice should see before an invocation.
type Query struct {
	VoiceID        string
	Prompt         string
	TaskType       types.TaskType
	Specialization []string
	Family         string
}

// Stats summarizes the store for status reports and snapshot round-trips.
type Stats struct {
	SessionID    string `json:"sessionId"`
	L1Entries    int    `json:"l1Entries"`
	L2Entries    int    `json:"l2Entries"`
	L3Records    int    `json:"l3Records"`    // live, referenced records
	ArenaSize    int    `json:"arenaSize"`    // including dead records
	Interactions int    `json:"interactions"` // total recent interactions held
}

// Store is the process-wide voice memory. Safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	sessionID string
	l1        map[string]*VoiceContext
	l2        *cache.Cache[string, *SharedContext]
	arena     []CollaborationRecord
	byVoice   map[string][]int
	familyOf  func(voiceID string) string
	now       func() time.Time
}

// StoreOption is a functional option for NewStore.
type StoreOption func(*Store)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithFamilyResolver supplies the voice-to-family mapping used to maintain
// family-level shared contexts. Without it, only task-keyed L2 entries are
// written.
func WithFamilyResolver(familyOf func(voiceID string) string) StoreOption {
	return func(s *Store) { s.familyOf = familyOf }
}

// NewStore constructs an empty memory store for the given session.
func NewStore(sessionID string, opts ...StoreOption) *Store {
	s := &Store{
		sessionID: sessionID,
		l1:        map[string]*VoiceContext{},
		byVoice:   map[string][]int{},
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.l2 = cache.New[string, *SharedContext](l2Capacity, l2TTL, cache.WithClock[string, *SharedContext](func() time.Time { return s.now() }))
	return s
}

// SessionID returns the session this store belongs to.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// FamilyKey builds the L2 key for a voice family.
func FamilyKey(family string) string {
	return "family_" + family
}

// CollaborationKey builds the L2 key for a task type and voice set. The
// voice ids are sorted so the key is order-independent.
func CollaborationKey(taskType types.TaskType, voices []string) string {
	ids := make([]string, len(voices))
	copy(ids, voices)
	sort.Strings(ids)
	return string(taskType) + "_" + strings.Join(ids, "-")
}

// VoiceContext returns the L1 entry for the queried voice, synthesizing one
// from L2 and L3 on a miss. A non-empty query prompt is recorded as the
// newest interaction.
func (s *Store) VoiceContext(q Query) VoiceContext {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.l1[q.VoiceID]
	if !ok {
		ctx = s.synthesizeLocked(q)
		s.l1[q.VoiceID] = ctx
	}

	if q.Prompt != "" {
		ctx.RecentInteractions = prependInteraction(ctx.RecentInteractions, Interaction{
			Prompt: q.Prompt,
			At:     s.now(),
		})
	}

	return copyContext(ctx)
}

// synthesizeLocked builds a fresh L1 entry from the family's shared context
// and the voice's successful L3 history. Caller holds s.mu.
func (s *Store) synthesizeLocked(q Query) *VoiceContext {
	ctx := &VoiceContext{
		VoiceID:        q.VoiceID,
		Specialization: append([]string(nil), q.Specialization...),
	}

	family := q.Family
	if family == "" && s.familyOf != nil {
		family = s.familyOf(q.VoiceID)
	}
	if family != "" {
		if shared, ok := s.l2.Get(FamilyKey(family)); ok {
			ctx.SuccessPatterns = capStrings(append([]string(nil), shared.CommonPatterns...), maxSuccessPatterns)
		}
	}

	// Successful collaborations only, optionally narrowed to the task type.
	for i := len(s.byVoice[q.VoiceID]) - 1; i >= 0 && len(ctx.CollaborationHistory) < maxCollaborationHistory; i-- {
		rec := s.arena[s.byVoice[q.VoiceID][i]]
		if rec.Outcome != OutcomeSuccess || rec.Quality <= patternQualityFloor {
			continue
		}
		if q.TaskType != "" && rec.TaskType != q.TaskType {
			continue
		}
		ctx.CollaborationHistory = append(ctx.CollaborationHistory, rec)
	}

	return ctx
}

// RecordCollaboration stores one finished collaboration: appends it to the
// arena, links it from every participant's L3 list, refreshes the matching
// L2 contexts, and folds the metrics into each participant's L1 record.
// A zero rec.At is stamped with the store's clock.
func (s *Store) RecordCollaboration(rec CollaborationRecord) {
	if len(rec.Voices) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Voices = append([]string(nil), rec.Voices...)
	if rec.At.IsZero() {
		rec.At = s.now()
	}
	idx := len(s.arena)
	s.arena = append(s.arena, rec)

	pattern := collaborationPattern(rec)

	for _, id := range rec.Voices {
		// L3: bounded FIFO of arena indices.
		refs := append(s.byVoice[id], idx)
		if len(refs) > maxVoiceHistory {
			refs = refs[len(refs)-maxVoiceHistory:]
		}
		s.byVoice[id] = refs

		// L1: ensure an entry exists, then fold in the outcome.
		ctx, ok := s.l1[id]
		if !ok {
			ctx = &VoiceContext{VoiceID: id}
			s.l1[id] = ctx
		}
		s.recordMetricsLocked(ctx, rec)
		if pattern != "" {
			ctx.SuccessPatterns = capStrings(appendUnique(ctx.SuccessPatterns, pattern), maxSuccessPatterns)
		}
		ctx.CollaborationHistory = prependRecord(ctx.CollaborationHistory, rec)
	}

	// L2: the (task, voice-set) context plus each participating family's.
	s.updateSharedLocked(CollaborationKey(rec.TaskType, rec.Voices), string(rec.TaskType), idx, rec, pattern)
	if s.familyOf != nil {
		seen := map[string]bool{}
		for _, id := range rec.Voices {
			f := s.familyOf(id)
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			s.updateSharedLocked(FamilyKey(f), f, idx, rec, pattern)
		}
	}

	if len(s.arena)-s.liveRecordsLocked() > compactThreshold {
		s.compactLocked()
	}
}

// recordMetricsLocked folds one collaboration into a voice's L1 metrics.
func (s *Store) recordMetricsLocked(ctx *VoiceContext, rec CollaborationRecord) {
	success := 0.0
	if rec.Outcome == OutcomeSuccess {
		success = 1.0
	}

	m := &ctx.Performance
	if m.Samples == 0 {
		m.AvgQuality = rec.Quality
		m.AvgDuration = rec.Duration
		m.AvgTokens = float64(rec.Tokens)
		m.SuccessRate = success
		m.Samples = 1
		return
	}
	m.AvgQuality = ema(m.AvgQuality, rec.Quality)
	m.AvgDuration = time.Duration(ema(float64(m.AvgDuration), float64(rec.Duration)))
	m.AvgTokens = ema(m.AvgTokens, float64(rec.Tokens))
	m.SuccessRate = ema(m.SuccessRate, success)
	m.Samples++
}

// updateSharedLocked refreshes one L2 entry with a new collaboration.
func (s *Store) updateSharedLocked(key, domain string, idx int, rec CollaborationRecord, pattern string) {
	shared, ok := s.l2.Get(key)
	if !ok {
		shared = &SharedContext{TaskDomain: domain}
	}

	shared.RecentCollaborations = append(shared.RecentCollaborations, idx)
	if len(shared.RecentCollaborations) > maxSharedCollaborations {
		shared.RecentCollaborations = shared.RecentCollaborations[len(shared.RecentCollaborations)-maxSharedCollaborations:]
	}
	if pattern != "" {
		shared.CommonPatterns = capStrings(appendUnique(shared.CommonPatterns, pattern), maxSharedPatterns)
	}
	if len(rec.Voices) > 1 && rec.Outcome == OutcomeSuccess && rec.Quality > patternQualityFloor {
		insight := fmt.Sprintf("%s collaborate well on %s (quality %.2f)",
			strings.Join(rec.Voices, "+"), rec.TaskType, rec.Quality)
		shared.CrossVoiceInsights = capStrings(appendUnique(shared.CrossVoiceInsights, insight), maxSharedInsights)
	}

	s.l2.Put(key, shared)
}

// SharedContext returns a copy of the L2 entry under key, if it is live.
func (s *Store) SharedContext(key string) (SharedContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shared, ok := s.l2.Get(key)
	if !ok {
		return SharedContext{}, false
	}
	return SharedContext{
		TaskDomain:           shared.TaskDomain,
		RecentCollaborations: append([]int(nil), shared.RecentCollaborations...),
		CommonPatterns:       append([]string(nil), shared.CommonPatterns...),
		CrossVoiceInsights:   append([]string(nil), shared.CrossVoiceInsights...),
	}, true
}

// Stats returns the store's current counts. Expired L2 entries are not
// counted even when they have not been evicted yet.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	interactions := 0
	for _, ctx := range s.l1 {
		interactions += len(ctx.RecentInteractions)
	}
	return Stats{
		SessionID:    s.sessionID,
		L1Entries:    len(s.l1),
		L2Entries:    len(s.l2.Keys()),
		L3Records:    s.liveRecordsLocked(),
		ArenaSize:    len(s.arena),
		Interactions: interactions,
	}
}

// liveRecordsLocked counts distinct arena records still referenced by at
// least one voice. Caller holds s.mu.
func (s *Store) liveRecordsLocked() int {
	live := map[int]bool{}
	for _, refs := range s.byVoice {
		for _, idx := range refs {
			live[idx] = true
		}
	}
	return len(live)
}

// compactLocked rebuilds the arena from live records and remaps all voice
// and shared-context indices. Caller holds s.mu.
func (s *Store) compactLocked() {
	remap := make(map[int]int)
	var next []CollaborationRecord
	for _, refs := range s.byVoice {
		for _, idx := range refs {
			if _, ok := remap[idx]; !ok {
				remap[idx] = len(next)
				next = append(next, s.arena[idx])
			}
		}
	}
	s.arena = next

	for id, refs := range s.byVoice {
		for i, idx := range refs {
			refs[i] = remap[idx]
		}
		s.byVoice[id] = refs
	}

	// Shared contexts may reference dead records; drop those links.
	for _, key := range s.l2.Keys() {
		shared, ok := s.l2.Get(key)
		if !ok {
			continue
		}
		var kept []int
		for _, idx := range shared.RecentCollaborations {
			if newIdx, ok := remap[idx]; ok {
				kept = append(kept, newIdx)
			}
		}
		shared.RecentCollaborations = kept
		s.l2.Put(key, shared)
	}
}

func collaborationPattern(rec CollaborationRecord) string {
	if rec.Outcome != OutcomeSuccess || rec.Quality <= patternQualityFloor {
		return ""
	}
	return fmt.Sprintf("%s via %s", rec.TaskType, strings.Join(rec.Voices, "+"))
}

func prependInteraction(list []Interaction, it Interaction) []Interaction {
	list = append([]Interaction{it}, list...)
	if len(list) > maxRecentInteractions {
		list = list[:maxRecentInteractions]
	}
	return list
}

func prependRecord(list []CollaborationRecord, rec CollaborationRecord) []CollaborationRecord {
	list = append([]CollaborationRecord{rec}, list...)
	if len(list) > maxCollaborationHistory {
		list = list[:maxCollaborationHistory]
	}
	return list
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func capStrings(list []string, n int) []string {
	if len(list) > n {
		return list[len(list)-n:]
	}
	return list
}

func copyContext(ctx *VoiceContext) VoiceContext {
	out := VoiceContext{
		VoiceID:              ctx.VoiceID,
		RecentInteractions:   append([]Interaction(nil), ctx.RecentInteractions...),
		Specialization:       append([]string(nil), ctx.Specialization...),
		SuccessPatterns:      append([]string(nil), ctx.SuccessPatterns...),
		CollaborationHistory: append([]CollaborationRecord(nil), ctx.CollaborationHistory...),
		Performance:          ctx.Performance,
	}
	return out
}

func ema(old, sample float64) float64 {
	return emaAlpha*sample + (1-emaAlpha)*old
}
