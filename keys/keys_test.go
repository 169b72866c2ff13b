package keys_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/github-auth/keys"
	"github.com/giantswarm/github-auth/secrets"
	"github.com/giantswarm/github-auth/secrets/memory"
)

const testIssuer = "https://auth.example.com"

func newManager(t *testing.T, store secrets.Store) *keys.Manager {
	t.Helper()
	cache, err := secrets.NewCache(store, secrets.CacheConfig{RetryInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	m, err := keys.NewManager(cache, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestGetOrCreateKeys(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := newManager(t, store)

	pairs, err := m.GetOrCreateKeys(ctx, testIssuer)
	if err != nil {
		t.Fatalf("GetOrCreateKeys() error = %v", err)
	}

	if pairs[0].Role != keys.RoleCurrent || pairs[1].Role != keys.RoleNext {
		t.Errorf("roles = %s,%s, want current,next", pairs[0].Role, pairs[1].Role)
	}
	if pairs[0].KeyID() == pairs[1].KeyID() {
		t.Error("current and next share a kid")
	}
	for _, p := range pairs {
		if p.Issuer != testIssuer {
			t.Errorf("Issuer = %q, want %q", p.Issuer, testIssuer)
		}
		if p.PublicKey.JWK.D != "" {
			t.Errorf("%s public JWK carries private material", p.Role)
		}
		if p.PrivateKey.JWK.D == "" {
			t.Errorf("%s private JWK has no d", p.Role)
		}
		if p.PublicKey.JWK.Use != "sig" || p.PublicKey.JWK.Alg != "ES256" || p.PublicKey.JWK.Crv != "P-256" {
			t.Errorf("%s JWK = %+v, want sig/ES256/P-256", p.Role, p.PublicKey.JWK)
		}
		if _, err := p.Signer(); err != nil {
			t.Errorf("%s Signer() error = %v", p.Role, err)
		}
	}

	// A second manager on the same store loads the same keys
	again, err := newManager(t, store).GetOrCreateKeys(ctx, testIssuer)
	if err != nil {
		t.Fatalf("GetOrCreateKeys() second error = %v", err)
	}
	for i := range pairs {
		if again[i].KeyID() != pairs[i].KeyID() {
			t.Errorf("%s kid = %s, want %s", pairs[i].Role, again[i].KeyID(), pairs[i].KeyID())
		}
	}
}

func TestGetOrCreateKeysConcurrentColdStart(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	const instances = 8
	results := make([][2]keys.KeyPair, instances)
	errs := make([]error, instances)

	var wg sync.WaitGroup
	for i := 0; i < instances; i++ {
		m := newManager(t, store)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.GetOrCreateKeys(ctx, testIssuer)
		}(i)
	}
	wg.Wait()

	for i := 0; i < instances; i++ {
		if errs[i] != nil {
			t.Fatalf("instance %d error = %v", i, errs[i])
		}
		for r := range results[i] {
			if results[i][r].KeyID() != results[0][r].KeyID() {
				t.Errorf("instance %d %s kid = %s, want %s",
					i, results[i][r].Role, results[i][r].KeyID(), results[0][r].KeyID())
			}
		}
	}
}

func TestJWKSVerifiesSignedTokens(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, memory.New())

	pairs, err := m.GetOrCreateKeys(ctx, testIssuer)
	if err != nil {
		t.Fatalf("GetOrCreateKeys() error = %v", err)
	}
	doc, err := m.JWKS(ctx, testIssuer)
	if err != nil {
		t.Fatalf("JWKS() error = %v", err)
	}
	if len(doc.Keys) != 2 {
		t.Fatalf("JWKS() has %d keys, want 2", len(doc.Keys))
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	set, err := keyfunc.NewJSON(raw)
	if err != nil {
		t.Fatalf("keyfunc.NewJSON() error = %v", err)
	}

	for _, pair := range pairs {
		signer, err := pair.Signer()
		if err != nil {
			t.Fatalf("Signer() error = %v", err)
		}
		tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{"sub": "alice"})
		tok.Header["kid"] = pair.KeyID()
		signed, err := tok.SignedString(signer)
		if err != nil {
			t.Fatalf("SignedString() error = %v", err)
		}

		if _, err := jwt.Parse(signed, set.Keyfunc); err != nil {
			t.Errorf("token signed with %s key did not verify against JWKS: %v", pair.Role, err)
		}
	}
}

func TestRotate(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, memory.New())

	before, err := m.GetOrCreateKeys(ctx, testIssuer)
	if err != nil {
		t.Fatalf("GetOrCreateKeys() error = %v", err)
	}

	after, err := m.Rotate(ctx, testIssuer)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	if after[0].KeyID() != before[1].KeyID() {
		t.Errorf("current kid after rotation = %s, want promoted %s", after[0].KeyID(), before[1].KeyID())
	}
	if after[1].KeyID() == before[0].KeyID() || after[1].KeyID() == before[1].KeyID() {
		t.Errorf("next kid after rotation = %s, want a fresh key", after[1].KeyID())
	}
}

func TestNewManagerRequiresCache(t *testing.T) {
	if _, err := keys.NewManager(nil, nil); err == nil {
		t.Error("NewManager(nil) error = nil, want error")
	}
}
