package chatkit

import (
	"context"
	"fmt"
	"sync"
)

// PageFetcher retrieves one history page for a thread. Page 1 holds the
// newest messages; higher pages walk backward in time.
type PageFetcher func(ctx context.Context, page, size int) ([]Message, error)

// PrependResult reports what a backward page load changed, so a view can
// restore its scroll position. After the prepend, the message that used to be
// first sits at index AnchorIndex; keeping it at the same viewport offset
// preserves the user's position instead of snapping to the top.
type PrependResult struct {
	Added       int
	AnchorID    string
	AnchorIndex int
}

// MessageStore is the ordered, deduplicated message collection for one open
// thread. It is the single reconciliation point between REST history pages
// and live push events: whichever source delivers a message first
// materializes it, later arrivals of the same ID are no-ops.
type MessageStore struct {
	mu           sync.Mutex
	fetch        PageFetcher
	pageSize     int
	page         int
	msgs         []*Message
	byID         map[string]*Message
	hasMoreOlder bool
	loadingOlder bool
}

// NewMessageStore creates an empty store backed by the given fetcher.
func NewMessageStore(fetch PageFetcher, pageSize int) *MessageStore {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &MessageStore{
		fetch:    fetch,
		pageSize: pageSize,
		byID:     make(map[string]*Message),
	}
}

// LoadFirstPage replaces the store contents with page 1, the newest pageSize
// messages, ordered oldest-first for display. A full page means older history
// may exist.
func (s *MessageStore) LoadFirstPage(ctx context.Context) error {
	fetched, err := s.fetch(ctx, 1, s.pageSize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = s.msgs[:0]
	s.byID = make(map[string]*Message, len(fetched))
	for i := range fetched {
		m := fetched[i]
		if _, dup := s.byID[m.ID]; dup {
			continue
		}
		s.insertLocked(m)
	}
	s.page = 1
	s.hasMoreOlder = len(fetched) >= s.pageSize
	s.loadingOlder = false
	return nil
}

// PrependOlderPage fetches the next backward page and prepends it. Disabled
// while a previous load is in flight and once a short page marked the end of
// history. A failed load only resets the in-flight flag so the user may
// retry.
func (s *MessageStore) PrependOlderPage(ctx context.Context) (*PrependResult, error) {
	s.mu.Lock()
	if s.loadingOlder {
		s.mu.Unlock()
		return nil, fmt.Errorf("older page load already in flight")
	}
	if !s.hasMoreOlder {
		s.mu.Unlock()
		return &PrependResult{}, nil
	}
	s.loadingOlder = true
	nextPage := s.page + 1
	var anchorID string
	if len(s.msgs) > 0 {
		anchorID = s.msgs[0].ID
	}
	s.mu.Unlock()

	fetched, err := s.fetch(ctx, nextPage, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadingOlder = false
	if err != nil {
		return nil, err
	}

	added := 0
	for i := range fetched {
		m := fetched[i]
		if _, dup := s.byID[m.ID]; dup {
			continue
		}
		s.insertLocked(m)
		added++
	}
	s.page = nextPage
	s.hasMoreOlder = len(fetched) >= s.pageSize

	result := &PrependResult{Added: added, AnchorID: anchorID}
	if anchorID != "" {
		for i, m := range s.msgs {
			if m.ID == anchorID {
				result.AnchorIndex = i
				break
			}
		}
	}
	return result, nil
}

// ApplyInbound appends a live message. Idempotent by ID: at-least-once
// delivery from the push channel never creates duplicates.
func (s *MessageStore) ApplyInbound(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byID[m.ID]; dup {
		return false
	}
	s.insertLocked(m)
	return true
}

// ApplySeen flips the seen flag on the given messages. IDs not currently
// materialized are skipped; they will arrive correctly flagged when their
// page is fetched.
func (s *MessageStore) ApplySeen(messageIDs []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, id := range messageIDs {
		if m, ok := s.byID[id]; ok && !m.Seen {
			m.Seen = true
			changed++
		}
	}
	return changed
}

// ApplyDeleted tombstones a message: the row is retained for ordering, the
// content is hidden. The transition is one-way.
func (s *MessageStore) ApplyDeleted(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[messageID]
	if !ok || m.Deleted {
		return false
	}
	m.Deleted = true
	m.Content = ""
	return true
}

// Get returns a copy of the message with the given ID.
func (s *MessageStore) Get(messageID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byID[messageID]; ok {
		return *m, true
	}
	return Message{}, false
}

// Messages returns a display-ordered copy of the store contents.
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = *m
	}
	return out
}

// Len returns the number of materialized messages.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// HasMoreOlder reports whether another backward page may exist.
func (s *MessageStore) HasMoreOlder() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMoreOlder
}

// LoadingOlder reports whether a backward page load is in flight.
func (s *MessageStore) LoadingOlder() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadingOlder
}

// insertLocked places m in SentAt order. Ties keep insertion order: the new
// message goes after existing equal timestamps.
func (s *MessageStore) insertLocked(m Message) {
	msg := &m
	s.byID[m.ID] = msg

	i := len(s.msgs)
	for i > 0 && s.msgs[i-1].SentAt.After(m.SentAt) {
		i--
	}
	s.msgs = append(s.msgs, nil)
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = msg
}
