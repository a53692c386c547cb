package authx

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

func TestParseRoles(t *testing.T) {
	roles := parseRoles(map[string]any{
		"roles": []any{"admin", "organizer", "admin"},
		"scp":   "raffles.write donations.write",
	})
	want := []string{"admin", "organizer", "raffles.write", "donations.write"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles[%d] = %q, want %q", i, roles[i], want[i])
		}
	}
}

func TestPrincipalHasRole(t *testing.T) {
	p := Principal{Roles: []string{"Admin", "organizer"}}
	if !p.HasRole("admin") {
		t.Fatal("expected case-insensitive role match")
	}
	if p.HasRole("buyer") {
		t.Fatal("unexpected role match")
	}
}

func TestNewJWTVerifierValidation(t *testing.T) {
	if _, err := NewJWTVerifier("", "aud", "", 300, 0); err == nil {
		t.Fatal("expected error for missing issuer")
	}
	if _, err := NewJWTVerifier("https://issuer.example.com", "", "", 300, 0); err == nil {
		t.Fatal("expected error for missing audience")
	}
	v, err := NewJWTVerifier("https://issuer.example.com", "raffle-market", "", 0, -1)
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	if _, err := v.Verify(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Principal{Subject: "user-1"})
	p, ok := FromContext(ctx)
	if !ok || p.Subject != "user-1" {
		t.Fatalf("FromContext = %+v, %v", p, ok)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("expected no principal on empty context")
	}
}

func TestJWKSCacheRefresh(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	key, err := jwk.FromRaw(priv.Public())
	if err != nil {
		t.Fatalf("jwk.FromRaw: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, "kid-1"); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		t.Fatalf("AddKey: %v", err)
	}
	payload, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal set: %v", err)
	}

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	cache := NewJWKSCache(srv.URL, time.Minute, srv.Client())
	got, err := cache.GetKey(context.Background(), "kid-1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	pub, ok := got.(*rsa.PublicKey)
	if !ok {
		t.Fatalf("key type = %T, want *rsa.PublicKey", got)
	}
	if pub.N.Cmp(priv.PublicKey.N) != 0 {
		t.Fatal("cached key does not match the served key")
	}

	// Served from cache within the TTL.
	if _, err := cache.GetKey(context.Background(), "kid-1"); err != nil {
		t.Fatalf("GetKey (cached): %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("jwks endpoint hit %d times, want 1", hits.Load())
	}

	if _, err := cache.GetKey(context.Background(), "missing"); !errors.Is(err, ErrUnknownKID) {
		t.Fatalf("GetKey(missing) = %v, want ErrUnknownKID", err)
	}
}
