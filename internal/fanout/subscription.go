package fanout

import (
	"slices"
	"sort"
	"sync"
	"sync/atomic"
)

// SubscriptionSet is one session's topic set.
type SubscriptionSet struct {
	mu     sync.RWMutex
	topics map[string]struct{}
}

func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{topics: make(map[string]struct{})}
}

// AddAll inserts the topics and returns the ones that were new.
func (s *SubscriptionSet) AddAll(topics []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := make([]string, 0, len(topics))
	for _, t := range topics {
		if _, ok := s.topics[t]; !ok {
			s.topics[t] = struct{}{}
			added = append(added, t)
		}
	}
	return added
}

// RemoveAll deletes the topics and returns the ones actually held.
func (s *SubscriptionSet) RemoveAll(topics []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make([]string, 0, len(topics))
	for _, t := range topics {
		if _, ok := s.topics[t]; ok {
			delete(s.topics, t)
			removed = append(removed, t)
		}
	}
	return removed
}

func (s *SubscriptionSet) Has(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.topics[topic]
	return ok
}

func (s *SubscriptionSet) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics)
}

// List returns the topics sorted.
func (s *SubscriptionSet) List() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// SubscriptionIndex is the reverse topic→sessions map the broadcast path
// reads. Writers copy-on-write under the lock; readers load an immutable
// snapshot with a single atomic load, so the hot path never contends.
type SubscriptionIndex struct {
	mu      sync.RWMutex
	byTopic map[string]*atomic.Value // []*Session snapshots
}

func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{byTopic: make(map[string]*atomic.Value)}
}

// AddAll registers the session under every topic, skipping duplicates.
func (idx *SubscriptionIndex) AddAll(topics []string, sess *Session) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, topic := range topics {
		slot := idx.byTopic[topic]
		if slot == nil {
			slot = &atomic.Value{}
			idx.byTopic[topic] = slot
		}
		cur, _ := slot.Load().([]*Session)
		if slices.Contains(cur, sess) {
			continue
		}
		next := make([]*Session, len(cur)+1)
		copy(next, cur)
		next[len(cur)] = sess
		slot.Store(next)
	}
}

// RemoveAll unregisters the session from the given topics.
func (idx *SubscriptionIndex) RemoveAll(topics []string, sess *Session) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, topic := range topics {
		idx.removeLocked(topic, sess)
	}
}

// DropSession removes the session from every topic and returns how many
// subscriptions it held. Called on disconnect.
func (idx *SubscriptionIndex) DropSession(sess *Session) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	removed := 0
	for topic := range idx.byTopic {
		if idx.removeLocked(topic, sess) {
			removed++
		}
	}
	return removed
}

func (idx *SubscriptionIndex) removeLocked(topic string, sess *Session) bool {
	slot := idx.byTopic[topic]
	if slot == nil {
		return false
	}
	cur, _ := slot.Load().([]*Session)
	i := slices.Index(cur, sess)
	if i < 0 {
		return false
	}
	if len(cur) == 1 {
		delete(idx.byTopic, topic)
		return true
	}
	next := make([]*Session, 0, len(cur)-1)
	next = append(next, cur[:i]...)
	next = append(next, cur[i+1:]...)
	slot.Store(next)
	return true
}

// Sessions returns the subscriber snapshot for a topic. The slice is
// immutable; callers iterate it but never modify it.
func (idx *SubscriptionIndex) Sessions(topic string) []*Session {
	idx.mu.RLock()
	slot := idx.byTopic[topic]
	idx.mu.RUnlock()
	if slot == nil {
		return nil
	}
	sessions, _ := slot.Load().([]*Session)
	return sessions
}

// Count returns the number of subscribers for a topic.
func (idx *SubscriptionIndex) Count(topic string) int {
	return len(idx.Sessions(topic))
}
