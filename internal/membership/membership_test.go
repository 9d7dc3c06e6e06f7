package membership

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCacheExpiresAfterTTL(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := NewCache[int64, string](time.Minute, 10)
	c.now = clock.now

	c.Set(1, "a")
	v, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, "a", v)

	clock.advance(59 * time.Second)
	_, ok = c.Get(1)
	assert.True(t, ok)

	clock.advance(time.Second)
	_, ok = c.Get(1)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCacheFullEvictionOnCapacity(t *testing.T) {
	c := NewCache[int64, int](time.Hour, 3)
	c.Set(1, 1)
	c.Set(2, 2)
	c.Set(3, 3)
	c.Set(3, 33)
	assert.Equal(t, 3, c.Len(), "overwrite must not evict")

	c.Set(4, 4)
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get(1)
	assert.False(t, ok)
	v, ok := c.Get(4)
	require.True(t, ok)
	assert.Equal(t, 4, v)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

type countingLoader struct {
	chatCalls  int
	spaceCalls int
	chats      map[int64][]int64
	spaces     map[int64][]int64
	err        error
}

func (l *countingLoader) ChatParticipants(_ context.Context, id int64) ([]int64, error) {
	l.chatCalls++
	return l.chats[id], l.err
}

func (l *countingLoader) SpaceMembers(_ context.Context, id int64) ([]int64, error) {
	l.spaceCalls++
	return l.spaces[id], l.err
}

func TestServiceCachesParticipants(t *testing.T) {
	l := &countingLoader{chats: map[int64][]int64{7: {3, 1, 3}}}
	s := New(l, time.Minute, 100)
	ctx := context.Background()

	ids, err := s.ChatParticipants(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, ids)

	ids[0] = 99
	ids, err = s.ChatParticipants(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, ids, "caller mutation leaked into cache")
	assert.Equal(t, 1, l.chatCalls)

	s.InvalidateChat(7)
	_, err = s.ChatParticipants(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, l.chatCalls)
}

func TestServiceSpaceMembership(t *testing.T) {
	l := &countingLoader{spaces: map[int64][]int64{1: {5, 2, 9}}}
	s := New(l, time.Minute, 100)
	ctx := context.Background()

	ok, err := s.IsSpaceMember(ctx, 1, 9)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IsSpaceMember(ctx, 1, 4)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, l.spaceCalls)
}

func TestServiceDoesNotCacheErrors(t *testing.T) {
	l := &countingLoader{err: errors.New("db down")}
	s := New(l, time.Minute, 100)

	_, err := s.SpaceMembers(context.Background(), 1)
	require.Error(t, err)
	_, err = s.SpaceMembers(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, 2, l.spaceCalls)
}
