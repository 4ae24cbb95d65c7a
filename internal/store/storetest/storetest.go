// Package storetest holds the behavioral contract every store.MessageStore
// backend must satisfy.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) store.MessageStore

// Run executes the contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		run  func(t *testing.T, st store.MessageStore)
	}{
		{"AppendAssignsSequentialPositions", testAppendSequential},
		{"AppendDefaultsAuthor", testAppendDefaultsAuthor},
		{"AppendRejectsEmptyContent", testAppendRejectsEmpty},
		{"ConcurrentAppendsAreGapless", testConcurrentAppends},
		{"ReadAfterIsSnapshot", testReadAfterSnapshot},
		{"ReadAfterBounds", testReadAfterBounds},
		{"ReadPageStopsAtLimit", testReadPage},
		{"BootstrapIsIdempotent", testBootstrapIdempotent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newStore(t)
			require.NoError(t, st.Bootstrap(context.Background()))
			tt.run(t, st)
		})
	}
}

func testAppendSequential(t *testing.T, st store.MessageStore) {
	req := require.New(t)
	ctx := context.Background()

	for i, content := range []string{"hi", "yo", "solo"} {
		msg, err := st.Append(ctx, content, "alice")
		req.NoError(err)
		req.Equal(int64(i+1), msg.Position)
		req.Equal(content, msg.Content)
		req.Equal("alice", msg.Author)
		req.False(msg.CreatedAt.IsZero())
	}

	last, err := st.Last(ctx)
	req.NoError(err)
	req.Equal(int64(3), last)
}

func testAppendDefaultsAuthor(t *testing.T, st store.MessageStore) {
	req := require.New(t)
	ctx := context.Background()

	for _, author := range []string{"", "   "} {
		msg, err := st.Append(ctx, "hello", author)
		req.NoError(err)
		req.Equal(store.AnonymousAuthor, msg.Author)
	}

	msgs, err := st.ReadAfter(ctx, 0)
	req.NoError(err)
	req.Len(msgs, 2)
	for _, msg := range msgs {
		req.Equal(store.AnonymousAuthor, msg.Author)
	}
}

func testAppendRejectsEmpty(t *testing.T, st store.MessageStore) {
	req := require.New(t)
	ctx := context.Background()

	for _, content := range []string{"", " \n\t"} {
		msg, err := st.Append(ctx, content, "alice")
		req.ErrorIs(err, store.ErrValidation)
		req.Nil(msg)
	}

	last, err := st.Last(ctx)
	req.NoError(err)
	req.Zero(last)

	// the rejected appends consumed no position
	msg, err := st.Append(ctx, "first", "alice")
	req.NoError(err)
	req.Equal(int64(1), msg.Position)
}

func testConcurrentAppends(t *testing.T, st store.MessageStore) {
	req := require.New(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 10

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		positions []int64
		errs      []error
	)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				msg, err := st.Append(ctx, fmt.Sprintf("w%d-%d", w, i), fmt.Sprintf("writer-%d", w))
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
				} else {
					positions = append(positions, msg.Position)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	req.Empty(errs)
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	req.Len(positions, writers*perWriter)
	for i, pos := range positions {
		req.Equal(int64(i+1), pos)
	}

	msgs, err := st.ReadAfter(ctx, 0)
	req.NoError(err)
	req.Len(msgs, writers*perWriter)
	for i, msg := range msgs {
		req.Equal(int64(i+1), msg.Position)
		if i > 0 {
			req.False(msg.CreatedAt.Before(msgs[i-1].CreatedAt))
		}
	}
}

func testReadAfterSnapshot(t *testing.T, st store.MessageStore) {
	req := require.New(t)
	ctx := context.Background()

	for _, c := range []string{"a", "b", "c"} {
		_, err := st.Append(ctx, c, "alice")
		req.NoError(err)
	}

	first, err := st.ReadAfter(ctx, 1)
	req.NoError(err)
	req.Len(first, 2)

	_, err = st.Append(ctx, "d", "bob")
	req.NoError(err)

	req.Len(first, 2)
	req.Equal(int64(2), first[0].Position)
	req.Equal(int64(3), first[1].Position)

	second, err := st.ReadAfter(ctx, 1)
	req.NoError(err)
	req.Len(second, 3)
	req.Equal("d", second[2].Content)
	req.Equal("bob", second[2].Author)
	req.Equal(int64(4), second[2].Position)
}

func testReadAfterBounds(t *testing.T, st store.MessageStore) {
	req := require.New(t)
	ctx := context.Background()

	empty, err := st.ReadAfter(ctx, 0)
	req.NoError(err)
	req.Empty(empty)

	for _, c := range []string{"a", "b"} {
		_, err := st.Append(ctx, c, "")
		req.NoError(err)
	}

	all, err := st.ReadAfter(ctx, 0)
	req.NoError(err)
	req.Len(all, 2)

	negative, err := st.ReadAfter(ctx, -5)
	req.NoError(err)
	req.Len(negative, 2)

	none, err := st.ReadAfter(ctx, 2)
	req.NoError(err)
	req.Empty(none)

	past, err := st.ReadAfter(ctx, 100)
	req.NoError(err)
	req.Empty(past)
}

func testReadPage(t *testing.T, st store.MessageStore) {
	req := require.New(t)
	ctx := context.Background()

	for _, c := range []string{"a", "b", "c", "d", "e"} {
		_, err := st.Append(ctx, c, "")
		req.NoError(err)
	}

	page, err := st.ReadPage(ctx, 1, 2)
	req.NoError(err)
	req.Len(page, 2)
	req.Equal(int64(2), page[0].Position)
	req.Equal(int64(3), page[1].Position)

	tail, err := st.ReadPage(ctx, 3, 10)
	req.NoError(err)
	req.Len(tail, 2)
	req.Equal("e", tail[1].Content)

	fromStart, err := st.ReadPage(ctx, -1, 1)
	req.NoError(err)
	req.Len(fromStart, 1)
	req.Equal(int64(1), fromStart[0].Position)

	past, err := st.ReadPage(ctx, 5, 3)
	req.NoError(err)
	req.Empty(past)

	_, err = st.ReadPage(ctx, 0, 0)
	req.ErrorIs(err, store.ErrValidation)
}

func testBootstrapIdempotent(t *testing.T, st store.MessageStore) {
	req := require.New(t)
	ctx := context.Background()

	_, err := st.Append(ctx, "kept", "alice")
	req.NoError(err)

	req.NoError(st.Bootstrap(ctx))
	req.NoError(st.Bootstrap(ctx))

	msgs, err := st.ReadAfter(ctx, 0)
	req.NoError(err)
	req.Len(msgs, 1)
	req.Equal("kept", msgs[0].Content)

	msg, err := st.Append(ctx, "next", "alice")
	req.NoError(err)
	req.Equal(int64(2), msg.Position)
}
