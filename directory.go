package chatkit

import (
	"context"
	"sync"
)

// SummaryFetcher is the REST surface the directory consumes.
type SummaryFetcher interface {
	DirectConversations(ctx context.Context) ([]ConversationSummary, error)
	UserGroups(ctx context.Context) ([]GroupSummary, error)
}

// Directory caches the conversation and group summary lists. The lists are
// advisory projections of server state: on any send/receive/seen event they
// are re-fetched wholesale, never patched incrementally, because unread
// counts and previews are server-computed aggregates.
type Directory struct {
	mu         sync.RWMutex
	fetcher    SummaryFetcher
	convs      []ConversationSummary
	groups     []GroupSummary
	refreshing bool
	pending    bool
}

// NewDirectory creates a directory backed by the given fetcher.
func NewDirectory(fetcher SummaryFetcher) *Directory {
	return &Directory{fetcher: fetcher}
}

// Refresh re-fetches both summary lists. Failures are swallowed with a log
// and leave the previous lists intact; the directory never corrupts state on
// a bad fetch. Concurrent refreshes coalesce: a refresh requested while one
// is in flight runs once more after it finishes, so the event that requested
// it is always reflected.
func (d *Directory) Refresh(ctx context.Context) {
	d.mu.Lock()
	if d.refreshing {
		d.pending = true
		d.mu.Unlock()
		return
	}
	d.refreshing = true
	d.mu.Unlock()

	for {
		convs, convErr := d.fetcher.DirectConversations(ctx)
		groups, groupErr := d.fetcher.UserGroups(ctx)

		d.mu.Lock()
		if convErr == nil {
			d.convs = convs
		}
		if groupErr == nil {
			d.groups = groups
		}
		again := d.pending
		d.pending = false
		if !again {
			d.refreshing = false
		}
		d.mu.Unlock()

		if convErr != nil {
			logger.Warn("chatkit: conversation list refresh failed", "err", convErr)
		}
		if groupErr != nil {
			logger.Warn("chatkit: group list refresh failed", "err", groupErr)
		}
		if !again {
			return
		}
	}
}

// Conversations returns a copy of the direct conversation summaries.
func (d *Directory) Conversations() []ConversationSummary {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]ConversationSummary{}, d.convs...)
}

// Groups returns a copy of the group summaries.
func (d *Directory) Groups() []GroupSummary {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]GroupSummary{}, d.groups...)
}

// EnsureDirect returns the summary for a direct peer, creating a synthetic
// zero-message entry when the server does not list the conversation yet. This
// is how a brand-new peer picked from a user search becomes selectable before
// the first message is sent.
func (d *Directory) EnsureDirect(userID, username string) ConversationSummary {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.convs {
		if c.OtherUserID == userID {
			return c
		}
	}
	synthetic := ConversationSummary{OtherUserID: userID, OtherUsername: username}
	d.convs = append(d.convs, synthetic)
	return synthetic
}

// UnreadTotal sums unread counts across both lists.
func (d *Directory) UnreadTotal() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, c := range d.convs {
		total += c.UnreadCount
	}
	for _, g := range d.groups {
		total += g.UnreadCount
	}
	return total
}
