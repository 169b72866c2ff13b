package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/github-auth/changestream"
	"github.com/giantswarm/github-auth/storage"
)

func setupTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{})
	require.NoError(t, err)
	return store, client
}

func pendingLogin(state, clientID string, expires time.Time) *storage.Login {
	return &storage.Login{
		State:            state,
		ClientID:         clientID,
		Scope:            "user:email",
		OAuthRedirectURI: "https://github.com/login/oauth/authorize?state=" + state,
		RedirectURI:      "https://app.example.com/",
		ExpiresAt:        expires,
	}
}

type collectingSink struct {
	mu      sync.Mutex
	records []changestream.Record
}

func (c *collectingSink) Emit(_ context.Context, rec changestream.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return nil
}

func (c *collectingSink) names() []changestream.EventName {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []changestream.EventName
	for _, rec := range c.records {
		out = append(out, rec.EventName)
	}
	return out
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTestStore(t)

	login := pendingLogin("s1", "abc", time.Now().Add(10*time.Minute).Truncate(time.Millisecond))
	require.NoError(t, store.CreateLogin(ctx, login))

	got, err := store.GetLogin(ctx, login.Key())
	require.NoError(t, err)
	assert.Equal(t, login.RedirectURI, got.RedirectURI)
	assert.Equal(t, login.Scope, got.Scope)
	assert.True(t, login.ExpiresAt.Equal(got.ExpiresAt))

	_, err = store.GetLogin(ctx, storage.Key{State: "missing", ClientID: "abc"})
	assert.ErrorIs(t, err, storage.ErrLoginNotFound)
}

func TestStore_CreateLogin_Duplicate(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTestStore(t)

	require.NoError(t, store.CreateLogin(ctx, pendingLogin("s1", "abc", time.Time{})))

	dup := pendingLogin("s1", "abc", time.Time{})
	dup.RedirectURI = "https://evil.example.com/"
	err := store.CreateLogin(ctx, dup)
	assert.ErrorIs(t, err, storage.ErrLoginExists)

	got, err := store.GetLogin(ctx, storage.Key{State: "s1", ClientID: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/", got.RedirectURI)
}

func TestStore_CreateLogin_Concurrent(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTestStore(t)

	var created atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.CreateLogin(ctx, pendingLogin("race", "abc", time.Time{})); err == nil {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load(), "exactly one concurrent create must win")
}

func TestStore_Indexes(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTestStore(t)

	for _, l := range []*storage.Login{
		pendingLogin("s1", "xyz", time.Time{}),
		pendingLogin("s1", "abc", time.Time{}),
		pendingLogin("s2", "abc", time.Time{}),
	} {
		require.NoError(t, store.CreateLogin(ctx, l))
	}

	byState, err := store.FindLoginsByState(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, byState, 2)
	assert.Equal(t, "abc", byState[0].ClientID)
	assert.Equal(t, "xyz", byState[1].ClientID)

	byClient, err := store.ListLoginsByClient(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, byClient, 2)
	assert.Equal(t, "s1", byClient[0].State)
	assert.Equal(t, "s2", byClient[1].State)

	require.NoError(t, store.DestroyLogin(ctx, storage.Key{State: "s1", ClientID: "abc"}))

	byState, err = store.FindLoginsByState(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, byState, 1)
	assert.Equal(t, "xyz", byState[0].ClientID)

	none, err := store.FindLoginsByState(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_UpdateLogin(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTestStore(t)
	key := storage.Key{State: "s1", ClientID: "abc"}

	require.NoError(t, store.CreateLogin(ctx, pendingLogin("s1", "abc", time.Now().Add(time.Hour))))

	token := "enc"
	expires := time.Now().Add(30 * time.Minute).Truncate(time.Millisecond)
	merged, err := store.UpdateLogin(ctx, storage.LoginPatch{Key: key, EncryptedToken: &token, ExpiresAt: &expires})
	require.NoError(t, err)
	assert.Equal(t, "enc", merged.EncryptedToken)
	assert.Equal(t, "user:email", merged.Scope)

	got, err := store.GetLogin(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "enc", got.EncryptedToken)
	assert.True(t, expires.Equal(got.ExpiresAt))

	_, err = store.UpdateLogin(ctx, storage.LoginPatch{Key: storage.Key{State: "nope", ClientID: "abc"}, EncryptedToken: &token})
	assert.ErrorIs(t, err, storage.ErrLoginNotFound)
}

func TestStore_DestroyLogin_Missing(t *testing.T) {
	store, _ := setupTestStore(t)
	assert.NoError(t, store.DestroyLogin(context.Background(), storage.Key{State: "nope", ClientID: "abc"}))
}

func TestStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTestStore(t)

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	require.NoError(t, store.CreateLogin(ctx, pendingLogin("old", "abc", now.Add(-time.Minute))))
	require.NoError(t, store.CreateLogin(ctx, pendingLogin("fresh", "abc", now.Add(time.Minute))))
	require.NoError(t, store.CreateLogin(ctx, pendingLogin("forever", "abc", time.Time{})))

	removed, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.GetLogin(ctx, storage.Key{State: "old", ClientID: "abc"})
	assert.ErrorIs(t, err, storage.ErrLoginNotFound)

	remaining, err := store.ListLoginsByClient(ctx, "abc")
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}

func TestExpiryMember_RoundTrip(t *testing.T) {
	keys := []storage.Key{
		{State: "s1", ClientID: "abc"},
		{State: "with space", ClientID: "and \"quotes\""},
	}
	for _, key := range keys {
		got, err := parseExpiryMember(expiryMember(key))
		require.NoError(t, err)
		assert.Equal(t, key, got)
	}

	_, err := parseExpiryMember("garbage")
	assert.Error(t, err)
}

func TestConsumer_DeliversChangeRecords(t *testing.T) {
	ctx := context.Background()
	store, client := setupTestStore(t)
	key := storage.Key{State: "s1", ClientID: "abc"}

	sink := &collectingSink{}
	consumer, err := NewConsumer(client, sink, ConsumerConfig{Stream: store.Stream(), StartID: StartFromBeginning})
	require.NoError(t, err)

	require.NoError(t, store.CreateLogin(ctx, pendingLogin("s1", "abc", time.Time{})))
	login := "alice"
	_, err = store.UpdateLogin(ctx, storage.LoginPatch{Key: key, Login: &login})
	require.NoError(t, err)
	require.NoError(t, store.DestroyLogin(ctx, key))

	n, err := consumer.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []changestream.EventName{
		changestream.EventInsert,
		changestream.EventModify,
		changestream.EventRemove,
	}, sink.names())

	// The records decode into the expected variants
	ev, err := changestream.Decode(sink.records[1])
	require.NoError(t, err)
	mod, ok := ev.(changestream.Modified)
	require.True(t, ok)
	assert.Equal(t, "", mod.Old.Login)
	assert.Equal(t, "alice", mod.Login.Login)

	// Nothing new: a second poll is empty
	n, err = consumer.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestConsumer_StartFromLatest(t *testing.T) {
	ctx := context.Background()
	store, client := setupTestStore(t)

	require.NoError(t, store.CreateLogin(ctx, pendingLogin("before", "abc", time.Time{})))

	sink := &collectingSink{}
	consumer, err := NewConsumer(client, sink, ConsumerConfig{Stream: store.Stream()})
	require.NoError(t, err)

	n, err := consumer.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, store.CreateLogin(ctx, pendingLogin("after", "abc", time.Time{})))

	n, err = consumer.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ev, err := changestream.Decode(sink.records[0])
	require.NoError(t, err)
	assert.Equal(t, "after", ev.Key().State)
}

func TestConsumer_Run_StopsOnCancel(t *testing.T) {
	_, client := setupTestStore(t)

	consumer, err := NewConsumer(client, &collectingSink{}, ConsumerConfig{Block: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, consumer.Run(ctx), context.DeadlineExceeded)
}

func TestNewConsumer_Validation(t *testing.T) {
	_, client := setupTestStore(t)

	_, err := NewConsumer(nil, &collectingSink{}, ConsumerConfig{})
	assert.Error(t, err)

	_, err = NewConsumer(client, nil, ConsumerConfig{})
	assert.Error(t, err)
}
