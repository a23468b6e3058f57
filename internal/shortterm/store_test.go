package shortterm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazuki-shin/ambi/internal/memory"
)

func newRedisStore(t *testing.T, windowSize int) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	rw := NewRedisWindow(client, "", 2*windowSize, DefaultTTL)
	return New(rw, Options{WindowSize: windowSize, TTL: DefaultTTL, Timeout: time.Second}), mr
}

func TestStoreAppendAndRecentInOrder(t *testing.T) {
	s, _ := newRedisStore(t, 5)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "s1", "hi", "hello"))
	require.NoError(t, s.Append(ctx, "s1", "how are you", "fine"))

	got, err := s.Recent(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []memory.Message{
		memory.HumanMessage("hi"),
		memory.AssistantMessage("hello"),
		memory.HumanMessage("how are you"),
		memory.AssistantMessage("fine"),
	}, got)
	assert.Equal(t, ModeRedis, s.Mode())
	assert.True(t, s.Persistent())
}

func TestStoreEvictsOldestPairFirst(t *testing.T) {
	s, mr := newRedisStore(t, 5)
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		require.NoError(t, s.Append(ctx, "s1", fmt.Sprintf("h%d", i), fmt.Sprintf("a%d", i)))
	}

	got, err := s.Recent(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, memory.HumanMessage("h2"), got[0])
	assert.Equal(t, memory.AssistantMessage("a6"), got[9])

	raw, err := mr.List(DefaultKeyPrefix + "s1")
	require.NoError(t, err)
	assert.Len(t, raw, 10)
}

func TestStoreRefreshesTTLOnWrite(t *testing.T) {
	s, mr := newRedisStore(t, 5)
	ctx := context.Background()
	key := DefaultKeyPrefix + "s1"

	require.NoError(t, s.Append(ctx, "s1", "a", "b"))
	mr.FastForward(24 * time.Hour)
	assert.Equal(t, DefaultTTL-24*time.Hour, mr.TTL(key))

	require.NoError(t, s.Append(ctx, "s1", "c", "d"))
	assert.Equal(t, DefaultTTL, mr.TTL(key))
}

func TestStoreSessionsAreIsolated(t *testing.T) {
	s, _ := newRedisStore(t, 5)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "a", "x", "y"))
	got, err := s.Recent(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
}

func TestStoreClear(t *testing.T) {
	s, mr := newRedisStore(t, 5)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "s1", "x", "y"))
	require.NoError(t, s.Clear(ctx, "s1"))

	assert.False(t, mr.Exists(DefaultKeyPrefix+"s1"))
	got, err := s.Recent(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStoreDegradesToLocalWindowOnRedisFailure(t *testing.T) {
	s, mr := newRedisStore(t, 5)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "s1", "before", "outage"))
	mr.SetError("ERR simulated outage")

	require.NoError(t, s.Append(ctx, "s1", "during", "outage"))
	got, err := s.Recent(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, memory.HumanMessage("before"), got[0])
	assert.Equal(t, memory.AssistantMessage("outage"), got[len(got)-1])
	assert.Len(t, got, 4)
	assert.Equal(t, ModeRedisDegraded, s.Mode())
	assert.False(t, s.Persistent())

	mr.SetError("")
	_, err = s.Recent(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, ModeRedis, s.Mode())
}

func TestStoreInMemoryMode(t *testing.T) {
	s := New(nil, Options{WindowSize: 2})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(ctx, "s1", fmt.Sprintf("h%d", i), fmt.Sprintf("a%d", i)))
	}
	got, err := s.Recent(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []memory.Message{
		memory.HumanMessage("h1"),
		memory.AssistantMessage("a1"),
		memory.HumanMessage("h2"),
		memory.AssistantMessage("a2"),
	}, got)
	assert.Equal(t, ModeInMemory, s.Mode())
	assert.False(t, s.Persistent())
	assert.NoError(t, s.Close())
}

func TestStoreConcurrentAppendsKeepPairs(t *testing.T) {
	s, _ := newRedisStore(t, 50)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Append(ctx, "s1", fmt.Sprintf("h%d", i), fmt.Sprintf("a%d", i))
		}(i)
	}
	wg.Wait()

	got, err := s.Recent(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 40)
	for i := 0; i < len(got); i += 2 {
		require.Equal(t, memory.RoleHuman, got[i].Role)
		require.Equal(t, memory.RoleAssistant, got[i+1].Role)
		assert.Equal(t, "a"+got[i].Content[1:], got[i+1].Content)
	}
}

func TestLocalWindowExpiresLazilyAndOnSweep(t *testing.T) {
	w := NewLocalWindow(4, time.Hour)
	now := time.Unix(1_700_000_000, 0)
	w.now = func() time.Time { return now }

	w.Append("s1", "a", "b")
	w.Append("s2", "c", "d")
	now = now.Add(2 * time.Hour)

	assert.Empty(t, w.Recent("s1"))
	assert.Equal(t, 2, w.Sweep())
	assert.Equal(t, 0, w.Len())
}

func TestEmptySessionIsNoop(t *testing.T) {
	s := New(nil, Options{})
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "", "a", "b"))
	got, err := s.Recent(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStoreReplaysOutageWritesAfterRecovery(t *testing.T) {
	s, mr := newRedisStore(t, 5)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "s1", "before", "ok"))
	mr.SetError("ERR simulated outage")
	require.NoError(t, s.Append(ctx, "s1", "during", "outage"))
	assert.Equal(t, 1, s.Pending())

	mr.SetError("")
	got, err := s.Recent(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []memory.Message{
		memory.HumanMessage("before"),
		memory.AssistantMessage("ok"),
		memory.HumanMessage("during"),
		memory.AssistantMessage("outage"),
	}, got)
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, ModeRedis, s.Mode())

	stored, err := mr.List(DefaultKeyPrefix + "s1")
	require.NoError(t, err)
	assert.Len(t, stored, 4)
}

func TestStoreAppendAfterRecoveryKeepsOutageWrites(t *testing.T) {
	s, mr := newRedisStore(t, 2)
	ctx := context.Background()

	mr.SetError("ERR simulated outage")
	require.NoError(t, s.Append(ctx, "s1", "h1", "a1"))
	require.NoError(t, s.Append(ctx, "s1", "h2", "a2"))
	mr.SetError("")

	require.NoError(t, s.Append(ctx, "s1", "h3", "a3"))
	got, err := s.Recent(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []memory.Message{
		memory.HumanMessage("h2"),
		memory.AssistantMessage("a2"),
		memory.HumanMessage("h3"),
		memory.AssistantMessage("a3"),
	}, got)
	assert.True(t, mr.TTL(DefaultKeyPrefix+"s1") > 0)
}

func TestStoreReplaysClearMadeDuringOutage(t *testing.T) {
	s, mr := newRedisStore(t, 5)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "s1", "old", "gone"))
	mr.SetError("ERR simulated outage")
	require.NoError(t, s.Clear(ctx, "s1"))
	require.NoError(t, s.Append(ctx, "s1", "fresh", "start"))
	mr.SetError("")

	assert.Equal(t, 1, s.Resync(ctx))
	got, err := s.Recent(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, memory.Pair("fresh", "start"), got)
}
