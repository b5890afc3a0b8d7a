package chatkit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var storeBase = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func msgAt(id, sender string, offset time.Duration) Message {
	return Message{
		ID:       id,
		SenderID: sender,
		Content:  "m-" + id,
		SentAt:   storeBase.Add(offset),
	}
}

// pagedHistory simulates server-side history: messages stored oldest-first,
// paged backward from the newest like the REST API does.
func pagedHistory(all []Message) PageFetcher {
	return func(ctx context.Context, page, size int) ([]Message, error) {
		end := len(all) - (page-1)*size
		if end <= 0 {
			return nil, nil
		}
		start := end - size
		if start < 0 {
			start = 0
		}
		out := make([]Message, end-start)
		copy(out, all[start:end])
		return out, nil
	}
}

func historyOf(n int) []Message {
	msgs := make([]Message, n)
	for i := 0; i < n; i++ {
		msgs[i] = msgAt(fmt.Sprintf("m%03d", i), "peer", time.Duration(i)*time.Minute)
	}
	return msgs
}

func TestMessageStore_ApplyInboundIdempotent(t *testing.T) {
	s := NewMessageStore(pagedHistory(nil), 50)

	m := msgAt("m1", "peer", 0)
	require.True(t, s.ApplyInbound(m))

	// Replays of the same ID, from the push channel or a page load, are no-ops.
	assert.False(t, s.ApplyInbound(m))
	assert.False(t, s.ApplyInbound(msgAt("m1", "peer", time.Hour)))
	assert.Equal(t, 1, s.Len())
}

func TestMessageStore_RESTThenLiveReplay(t *testing.T) {
	all := historyOf(10)
	s := NewMessageStore(pagedHistory(all), 50)
	require.NoError(t, s.LoadFirstPage(context.Background()))
	require.Equal(t, 10, s.Len())

	// Live replay of messages already materialized from the page.
	for _, m := range all {
		assert.False(t, s.ApplyInbound(m), "replay of %s must not duplicate", m.ID)
	}
	assert.Equal(t, 10, s.Len())
}

func TestMessageStore_Ordering(t *testing.T) {
	s := NewMessageStore(pagedHistory(nil), 50)

	// Arrive out of order.
	s.ApplyInbound(msgAt("c", "peer", 3*time.Minute))
	s.ApplyInbound(msgAt("a", "peer", 1*time.Minute))
	s.ApplyInbound(msgAt("b", "peer", 2*time.Minute))
	// Tie on SentAt: insertion order is kept.
	s.ApplyInbound(msgAt("b2", "peer", 2*time.Minute))

	msgs := s.Messages()
	require.Len(t, msgs, 4)
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].SentAt.Before(msgs[i-1].SentAt), "non-decreasing SentAt")
	}
	assert.Equal(t, []string{"a", "b", "b2", "c"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID, msgs[3].ID})
}

func TestMessageStore_DeletionMonotonic(t *testing.T) {
	s := NewMessageStore(pagedHistory(nil), 50)
	s.ApplyInbound(msgAt("m1", "peer", 0))

	require.True(t, s.ApplyDeleted("m1"))
	m, ok := s.Get("m1")
	require.True(t, ok)
	assert.True(t, m.Deleted)
	assert.Empty(t, m.Content, "tombstone hides content")

	// Second delete is a no-op; the flag never flips back.
	assert.False(t, s.ApplyDeleted("m1"))
	m, _ = s.Get("m1")
	assert.True(t, m.Deleted)

	// Unknown IDs are skipped; the message lives on an unfetched page.
	assert.False(t, s.ApplyDeleted("nope"))
}

func TestMessageStore_ApplySeen(t *testing.T) {
	s := NewMessageStore(pagedHistory(nil), 50)
	s.ApplyInbound(msgAt("m1", "peer", 0))
	s.ApplyInbound(msgAt("m2", "peer", time.Minute))

	assert.Equal(t, 2, s.ApplySeen([]string{"m1", "m2", "absent"}))
	assert.Equal(t, 0, s.ApplySeen([]string{"m1", "m2"}))

	m, _ := s.Get("m1")
	assert.True(t, m.Seen)
}

func TestMessageStore_BackwardPagination(t *testing.T) {
	// 120 messages, page size 50: the viewport scenario.
	all := historyOf(120)
	s := NewMessageStore(pagedHistory(all), 50)

	require.NoError(t, s.LoadFirstPage(context.Background()))
	require.Equal(t, 50, s.Len())
	assert.True(t, s.HasMoreOlder())

	first := s.Messages()[0]
	assert.Equal(t, "m070", first.ID, "first page holds the newest 50, oldest-first")

	res, err := s.PrependOlderPage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50, res.Added)
	assert.Equal(t, "m070", res.AnchorID)
	// The previously-first message now sits below exactly the prepended rows,
	// so a view keeping it at the same offset preserves the scroll position.
	assert.Equal(t, res.Added, res.AnchorIndex)
	assert.Equal(t, first.ID, s.Messages()[res.AnchorIndex].ID)
	assert.True(t, s.HasMoreOlder())

	res, err = s.PrependOlderPage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, res.Added)
	assert.False(t, s.HasMoreOlder(), "short page ends backward pagination")
	assert.Equal(t, 120, s.Len())

	// Exhausted history: further loads are cheap no-ops.
	res, err = s.PrependOlderPage(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Added)
}

func TestMessageStore_PrependGuards(t *testing.T) {
	t.Run("single in-flight load", func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan struct{})
		fetch := func(ctx context.Context, page, size int) ([]Message, error) {
			if page == 1 {
				return historyOf(50), nil
			}
			close(started)
			<-release
			return nil, nil
		}
		s := NewMessageStore(fetch, 50)
		require.NoError(t, s.LoadFirstPage(context.Background()))

		go s.PrependOlderPage(context.Background())
		<-started

		_, err := s.PrependOlderPage(context.Background())
		require.Error(t, err, "concurrent backward loads are disabled")
		close(release)
	})

	t.Run("failed load resets in-flight flag", func(t *testing.T) {
		fail := true
		fetch := func(ctx context.Context, page, size int) ([]Message, error) {
			if page == 1 {
				return historyOf(50), nil
			}
			if fail {
				return nil, fmt.Errorf("%w: boom", ErrFetchFailed)
			}
			// Distinct IDs from the page-1 fixture; a duplicate page
			// would dedup to zero rows added.
			return historyOf(120)[50:100], nil
		}
		s := NewMessageStore(fetch, 50)
		require.NoError(t, s.LoadFirstPage(context.Background()))

		_, err := s.PrependOlderPage(context.Background())
		require.Error(t, err)
		assert.False(t, s.LoadingOlder())
		assert.Equal(t, 50, s.Len(), "failed load does not corrupt the store")

		// The user may simply retry scrolling.
		fail = false
		res, err := s.PrependOlderPage(context.Background())
		require.NoError(t, err)
		assert.Greater(t, res.Added, 0)
	})
}

func TestMessageStore_LoadFirstPageReplaces(t *testing.T) {
	all := historyOf(10)
	s := NewMessageStore(pagedHistory(all), 50)

	s.ApplyInbound(msgAt("live", "peer", 2*time.Hour))
	require.NoError(t, s.LoadFirstPage(context.Background()))

	assert.Equal(t, 10, s.Len(), "first page replaces prior contents")
	_, ok := s.Get("live")
	assert.False(t, ok)
	assert.False(t, s.HasMoreOlder(), "short first page means no older history")
}
