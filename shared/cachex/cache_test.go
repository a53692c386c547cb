package cachex

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	return NewWithClient(rc, time.Second), m
}

func TestSetAndGetFields(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	key := EntityKey("raffle", "5", "counters")
	if err := store.SetFields(ctx, key, map[string]string{
		"tickets_sold":  "10",
		"total_tickets": "100",
	}, time.Minute); err != nil {
		t.Fatalf("set fields: %v", err)
	}

	v, ok, err := store.GetField(ctx, key, "tickets_sold")
	if err != nil || !ok {
		t.Fatalf("get field: ok=%v err=%v", ok, err)
	}
	if v != "10" {
		t.Fatalf("unexpected value: %q", v)
	}

	all, err := store.GetAll(ctx, key)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 2 || all["total_tickets"] != "100" {
		t.Fatalf("unexpected hash: %#v", all)
	}
}

func TestGetFieldMissing(t *testing.T) {
	store, _ := newTestStore(t)
	_, ok, err := store.GetField(context.Background(), EntityKey("raffle", "404", "counters"), "tickets_sold")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected miss for unknown key")
	}
}

func TestIncrField(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	key := EntityKey("donation", "7", "totals")

	if _, err := store.IncrField(ctx, key, "raised_amount", 250); err != nil {
		t.Fatalf("incr: %v", err)
	}
	n, err := store.IncrField(ctx, key, "raised_amount", 50)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if n != 300 {
		t.Fatalf("expected 300, got %d", n)
	}
}

func TestInvalidatePattern(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{
		EntityKey("raffle", "1", "counters"),
		EntityKey("raffle", "1", "meta"),
		EntityKey("raffle", "2", "counters"),
		EntityKey("donation", "1", "totals"),
	} {
		if err := store.SetField(ctx, key, "f", "v"); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}

	deleted, err := store.Invalidate(ctx, EntityPattern("raffle", "1"))
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}

	// Every key under the prefix is gone, the rest untouched.
	for key, wantGone := range map[string]bool{
		EntityKey("raffle", "1", "counters"): true,
		EntityKey("raffle", "1", "meta"):     true,
		EntityKey("raffle", "2", "counters"): false,
		EntityKey("donation", "1", "totals"): false,
	} {
		_, ok, err := store.GetField(ctx, key, "f")
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if ok == wantGone {
			t.Fatalf("key %s: present=%v", key, ok)
		}
	}
}

func TestInvalidateWithConcurrentReaders(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		key := EntityKey("raffle", "9", "g"+string(rune('a'+i%26)))
		if err := store.SetFields(ctx, key, map[string]string{"a": "1", "b": "2"}, 0); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			all, err := store.GetAll(ctx, EntityKey("raffle", "9", "ga"))
			if err != nil {
				t.Errorf("read during invalidate: %v", err)
				return
			}
			// Readers observe the full hash or an empty result, never half.
			if len(all) == 1 {
				t.Errorf("partial hash observed: %#v", all)
				return
			}
		}
	}()

	if _, err := store.Invalidate(ctx, EntityPattern("raffle", "9")); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	close(stop)
	wg.Wait()

	all, err := store.GetAll(ctx, EntityKey("raffle", "9", "ga"))
	if err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty hash after invalidate, got %#v", all)
	}
}

func TestTTLBackstop(t *testing.T) {
	store, m := newTestStore(t)
	ctx := context.Background()
	key := EntityKey("raffle", "3", "counters")

	if err := store.SetFields(ctx, key, map[string]string{"tickets_sold": "1"}, 5*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	m.FastForward(6 * time.Second)

	_, ok, err := store.GetField(ctx, key, "tickets_sold")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected entry to expire past the propagation window")
	}
}
