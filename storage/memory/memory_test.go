package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/github-auth/changestream"
	"github.com/giantswarm/github-auth/instrumentation"
	"github.com/giantswarm/github-auth/storage"
)

type recordingSink struct {
	mu      sync.Mutex
	records []changestream.Record
}

func (r *recordingSink) Emit(_ context.Context, rec changestream.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingSink) names() []changestream.EventName {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]changestream.EventName, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.EventName)
	}
	return out
}

func newTestStore(t *testing.T) (*Store, *recordingSink) {
	t.Helper()
	store := New()
	t.Cleanup(store.Stop)
	sink := &recordingSink{}
	store.SetChangeSink(sink)
	return store, sink
}

func pending(state, clientID string) *storage.Login {
	return &storage.Login{
		State:            state,
		ClientID:         clientID,
		Scope:            "user:email",
		OAuthRedirectURI: "https://github.com/login/oauth/authorize?state=" + state,
		RedirectURI:      "https://app.example.com/",
		ExpiresAt:        time.Now().Add(10 * time.Minute),
	}
}

func TestStore_CreateLogin(t *testing.T) {
	ctx := context.Background()
	store, sink := newTestStore(t)

	original := pending("s1", "abc")
	if err := store.CreateLogin(ctx, original); err != nil {
		t.Fatalf("CreateLogin() error = %v", err)
	}

	// A second create with the same key is rejected and changes nothing
	duplicate := pending("s1", "abc")
	duplicate.RedirectURI = "https://evil.example.com/"
	err := store.CreateLogin(ctx, duplicate)
	if !errors.Is(err, storage.ErrLoginExists) {
		t.Fatalf("CreateLogin() duplicate error = %v, want ErrLoginExists", err)
	}

	got, err := store.GetLogin(ctx, storage.Key{State: "s1", ClientID: "abc"})
	if err != nil {
		t.Fatalf("GetLogin() error = %v", err)
	}
	if got.RedirectURI != original.RedirectURI {
		t.Errorf("RedirectURI = %q, want original %q", got.RedirectURI, original.RedirectURI)
	}

	// Same state, other client is a different key
	if err := store.CreateLogin(ctx, pending("s1", "other")); err != nil {
		t.Errorf("CreateLogin() other client error = %v", err)
	}

	if names := sink.names(); len(names) != 2 || names[0] != changestream.EventInsert {
		t.Errorf("emitted %v, want two INSERT records", names)
	}
}

func TestStore_CreateLogin_Invalid(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	tests := []struct {
		name  string
		login *storage.Login
	}{
		{name: "nil", login: nil},
		{name: "missing state", login: &storage.Login{ClientID: "abc"}},
		{name: "missing client", login: &storage.Login{State: "s1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.CreateLogin(ctx, tt.login); err == nil {
				t.Error("CreateLogin() error = nil, want error")
			}
		})
	}
}

func TestStore_GetLogin_NotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.GetLogin(context.Background(), storage.Key{State: "nope", ClientID: "abc"})
	if !errors.Is(err, storage.ErrLoginNotFound) {
		t.Errorf("GetLogin() error = %v, want ErrLoginNotFound", err)
	}
}

func TestStore_GetLogin_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if err := store.CreateLogin(ctx, pending("s1", "abc")); err != nil {
		t.Fatalf("CreateLogin() error = %v", err)
	}
	got, _ := store.GetLogin(ctx, storage.Key{State: "s1", ClientID: "abc"})
	got.Login = "mallory"

	again, _ := store.GetLogin(ctx, storage.Key{State: "s1", ClientID: "abc"})
	if again.Login != "" {
		t.Errorf("stored record was mutated through a returned copy: Login = %q", again.Login)
	}
}

func TestStore_Indexes(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	for _, l := range []*storage.Login{pending("s1", "abc"), pending("s1", "xyz"), pending("s2", "abc")} {
		if err := store.CreateLogin(ctx, l); err != nil {
			t.Fatalf("CreateLogin() error = %v", err)
		}
	}

	byState, err := store.FindLoginsByState(ctx, "s1")
	if err != nil {
		t.Fatalf("FindLoginsByState() error = %v", err)
	}
	if len(byState) != 2 || byState[0].ClientID != "abc" || byState[1].ClientID != "xyz" {
		t.Errorf("FindLoginsByState() = %v, want abc and xyz", byState)
	}

	byClient, err := store.ListLoginsByClient(ctx, "abc")
	if err != nil {
		t.Fatalf("ListLoginsByClient() error = %v", err)
	}
	if len(byClient) != 2 || byClient[0].State != "s1" || byClient[1].State != "s2" {
		t.Errorf("ListLoginsByClient() = %v, want s1 and s2", byClient)
	}

	none, err := store.FindLoginsByState(ctx, "missing")
	if err != nil || len(none) != 0 {
		t.Errorf("FindLoginsByState(missing) = %v, %v, want empty", none, err)
	}
}

func TestStore_UpdateLogin(t *testing.T) {
	ctx := context.Background()
	store, sink := newTestStore(t)

	if err := store.CreateLogin(ctx, pending("s1", "abc")); err != nil {
		t.Fatalf("CreateLogin() error = %v", err)
	}

	login, token := "alice", "enc"
	merged, err := store.UpdateLogin(ctx, storage.LoginPatch{
		Key:            storage.Key{State: "s1", ClientID: "abc"},
		Login:          &login,
		EncryptedToken: &token,
	})
	if err != nil {
		t.Fatalf("UpdateLogin() error = %v", err)
	}
	if merged.Login != "alice" || merged.EncryptedToken != "enc" {
		t.Errorf("UpdateLogin() = %+v, want patched fields", merged)
	}
	if merged.Scope != "user:email" || merged.RedirectURI == "" {
		t.Errorf("UpdateLogin() clobbered unrelated fields: %+v", merged)
	}

	_, err = store.UpdateLogin(ctx, storage.LoginPatch{Key: storage.Key{State: "nope", ClientID: "abc"}, Login: &login})
	if !errors.Is(err, storage.ErrLoginNotFound) {
		t.Errorf("UpdateLogin() missing error = %v, want ErrLoginNotFound", err)
	}

	names := sink.names()
	if len(names) != 2 || names[1] != changestream.EventModify {
		t.Fatalf("emitted %v, want INSERT then MODIFY", names)
	}
	ev, err := changestream.Decode(sink.records[1])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	mod := ev.(changestream.Modified)
	if mod.Old.EncryptedToken != "" || mod.Login.EncryptedToken != "enc" {
		t.Errorf("MODIFY images = old %+v new %+v", mod.Old, mod.Login)
	}
}

func TestStore_DestroyLogin(t *testing.T) {
	ctx := context.Background()
	store, sink := newTestStore(t)
	key := storage.Key{State: "s1", ClientID: "abc"}

	if err := store.CreateLogin(ctx, pending("s1", "abc")); err != nil {
		t.Fatalf("CreateLogin() error = %v", err)
	}
	if err := store.DestroyLogin(ctx, key); err != nil {
		t.Fatalf("DestroyLogin() error = %v", err)
	}
	if _, err := store.GetLogin(ctx, key); !errors.Is(err, storage.ErrLoginNotFound) {
		t.Errorf("GetLogin() after destroy error = %v, want ErrLoginNotFound", err)
	}

	// Destroying again is a no-op and emits nothing
	if err := store.DestroyLogin(ctx, key); err != nil {
		t.Errorf("DestroyLogin() second error = %v", err)
	}

	names := sink.names()
	if len(names) != 2 || names[1] != changestream.EventRemove {
		t.Errorf("emitted %v, want INSERT then REMOVE", names)
	}
}

func TestStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	store, sink := newTestStore(t)

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	expired := pending("old", "abc")
	expired.ExpiresAt = now.Add(-time.Minute)
	completed := pending("done", "abc")
	completed.ExpiresAt = time.Time{}
	completed.EncryptedToken = "enc"

	for _, l := range []*storage.Login{expired, completed, pending("fresh", "abc")} {
		if err := store.CreateLogin(ctx, l); err != nil {
			t.Fatalf("CreateLogin() error = %v", err)
		}
	}

	if removed := store.Cleanup(ctx); removed != 1 {
		t.Errorf("Cleanup() = %d, want 1", removed)
	}

	remaining, _ := store.ListLoginsByClient(ctx, "abc")
	if len(remaining) != 2 {
		t.Errorf("remaining logins = %d, want 2", len(remaining))
	}
	if names := sink.names(); names[len(names)-1] != changestream.EventRemove {
		t.Errorf("last emitted = %s, want REMOVE", names[len(names)-1])
	}
}

func TestStore_SinkMayReenterStore(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	// A sink that reads back from the store on every change must not deadlock
	var seen []string
	store.SetChangeSink(changestream.SinkFunc(func(ctx context.Context, rec changestream.Record) error {
		ev, err := changestream.Decode(rec)
		if err != nil {
			return err
		}
		if _, err := store.GetLogin(ctx, ev.Key()); err == nil {
			seen = append(seen, string(rec.EventName))
		}
		return nil
	}))

	if err := store.CreateLogin(ctx, pending("s1", "abc")); err != nil {
		t.Fatalf("CreateLogin() error = %v", err)
	}
	if len(seen) != 1 {
		t.Errorf("sink observed %v, want one INSERT", seen)
	}
}

func TestStore_SetInstrumentation(t *testing.T) {
	ctx := context.Background()
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(ctx) }()

	store, _ := newTestStore(t)
	store.SetInstrumentation(inst)

	if err := store.CreateLogin(ctx, pending("s1", "abc")); err != nil {
		t.Fatalf("CreateLogin() error = %v", err)
	}
	if got := store.loginsCount.Load(); got != 1 {
		t.Errorf("loginsCount = %d, want 1", got)
	}
}
