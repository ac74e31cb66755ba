// Package cache is the shared read cache. Entries are keyed by kind, owner and subject and are
// dropped by the rule table in rules.go after every committed mutation.
package cache

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/metrics"
)

const defaultTTL = 2 * time.Minute

// Kind names a family of cached reads.
type Kind string

const (
	KindConversations        Kind = "conversations"
	KindMessages             Kind = "messages"
	KindActivityConversation Kind = "activity_conversation"
	KindParticipants         Kind = "participants"
	KindReactions            Kind = "reactions"
	KindTyping               Kind = "typing"
	KindCrew                 Kind = "crew"
	KindCrewRequests         Kind = "crew_requests"
	KindCrewStatus           Kind = "crew_status"
	KindBadges               Kind = "badges"
)

// Key identifies a cached read. Owner is the user the read was made for, empty when the
// result is the same for every authorized caller. Limit and Offset identify a page.
type Key struct {
	Kind    Kind
	Owner   string
	Subject string
	Limit   int
	Offset  int
}

// Predicate selects cache keys.
type Predicate func(Key) bool

// Config wires the store's optional collaborators.
type Config struct {
	TTL     time.Duration
	Clock   func() time.Time
	Metrics *metrics.Recorder
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Store is safe for concurrent use. The generation advances on every invalidation so that
// read-through callers can tell whether their query raced a mutation.
type Store struct {
	mu         sync.RWMutex
	entries    map[Key]entry
	generation uint64
	ttl        time.Duration
	now        func() time.Time
	metrics    *metrics.Recorder
}

// NewStore constructs an empty cache.
func NewStore(cfg Config) *Store {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		entries: make(map[Key]entry),
		ttl:     ttl,
		now:     clock,
		metrics: cfg.Metrics,
	}
}

// Get returns a live entry.
func (s *Store) Get(key Key) (any, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	cached, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || !s.now().Before(cached.expiresAt) {
		return nil, false
	}
	return cached.value, true
}

// Set stores value under key with the configured TTL.
func (s *Store) Set(key Key, value any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.entries[key] = entry{value: value, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()
}

// Generation returns the invalidation counter. Capture it before querying the source of a
// cached read and pass it to SetIfUnchanged.
func (s *Store) Generation() uint64 {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// SetIfUnchanged stores value only when no invalidation ran since generation was captured.
func (s *Store) SetIfUnchanged(key Key, value any, generation uint64) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != generation {
		return false
	}
	s.entries[key] = entry{value: value, expiresAt: s.now().Add(s.ttl)}
	return true
}

// Update rewrites every live entry matched by the predicate. The function returns the new
// value and false to drop the entry instead.
func (s *Store) Update(predicate Predicate, update func(Key, any) (any, bool)) int {
	if s == nil {
		return 0
	}
	now := s.now()
	changed := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, cached := range s.entries {
		if !predicate(key) {
			continue
		}
		if !now.Before(cached.expiresAt) {
			delete(s.entries, key)
			continue
		}
		next, keep := update(key, cached.value)
		if !keep {
			delete(s.entries, key)
			continue
		}
		s.entries[key] = entry{value: next, expiresAt: cached.expiresAt}
		changed++
	}
	return changed
}

// Invalidate drops every entry matched by any predicate and returns the number removed.
func (s *Store) Invalidate(predicates ...Predicate) int {
	if s == nil || len(predicates) == 0 {
		return 0
	}
	removed := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	for key := range s.entries {
		for _, predicate := range predicates {
			if predicate(key) {
				delete(s.entries, key)
				removed++
				break
			}
		}
	}
	return removed
}

// Len reports the number of stored entries, expired ones included.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Lookup is a typed Get.
func Lookup[T any](s *Store, key Key) (T, bool) {
	var zero T
	value, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := value.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// MatchKind selects every key of the kind.
func MatchKind(kind Kind) Predicate {
	return func(key Key) bool {
		return key.Kind == kind
	}
}

// MatchOwner selects keys of the kind owned by any of the users.
func MatchOwner(kind Kind, owners ...string) Predicate {
	set := toSet(owners)
	return func(key Key) bool {
		if key.Kind != kind {
			return false
		}
		_, ok := set[key.Owner]
		return ok
	}
}

// MatchSubject selects keys of the kind about the subject, for any owner.
func MatchSubject(kind Kind, subject string) Predicate {
	return func(key Key) bool {
		return key.Kind == kind && key.Subject == subject
	}
}

// MatchFirstPage selects message pages at offset zero for the conversation.
func MatchFirstPage(conversationID string) Predicate {
	return func(key Key) bool {
		return key.Kind == KindMessages && key.Subject == conversationID && key.Offset == 0
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		set[value] = struct{}{}
	}
	return set
}
