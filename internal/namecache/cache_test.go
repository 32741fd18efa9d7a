package namecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeProfiles struct {
	mu    sync.Mutex
	names map[string]string
	calls int
	err   error
	gate  chan struct{}
}

func (f *fakeProfiles) lookup(ctx context.Context, ids []string) (map[string]string, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]string{}
	for _, id := range ids {
		if name, ok := f.names[id]; ok {
			out[id] = name
		}
	}
	return out, nil
}

func (f *fakeProfiles) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestResolveCachesAfterFirstLookup(t *testing.T) {
	profiles := &fakeProfiles{names: map[string]string{"u1": "Ana Pérez"}}
	cache := New(profiles.lookup, Options{Size: 10})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if got := cache.Resolve(ctx, "u1"); got != "Ana Pérez" {
			t.Fatalf("Resolve() = %q", got)
		}
	}
	if profiles.callCount() != 1 {
		t.Fatalf("expected one lookup, got %d", profiles.callCount())
	}
}

func TestResolveFallsBackForUnknownAndErrors(t *testing.T) {
	profiles := &fakeProfiles{names: map[string]string{"blank": "  "}}
	cache := New(profiles.lookup, Options{})
	ctx := context.Background()

	if got := cache.Resolve(ctx, "missing"); got != Fallback {
		t.Fatalf("expected fallback for unknown user, got %q", got)
	}
	if got := cache.Resolve(ctx, "blank"); got != Fallback {
		t.Fatalf("expected fallback for blank name, got %q", got)
	}
	if got := cache.Resolve(ctx, ""); got != Fallback {
		t.Fatalf("expected fallback for empty id, got %q", got)
	}

	profiles.err = errors.New("db down")
	if got := cache.Resolve(ctx, "other"); got != Fallback {
		t.Fatalf("expected fallback on lookup error, got %q", got)
	}
}

func TestCacheIsBounded(t *testing.T) {
	names := map[string]string{}
	for i := 0; i < 20; i++ {
		names[fmt.Sprintf("u%d", i)] = fmt.Sprintf("User %d", i)
	}
	profiles := &fakeProfiles{names: names}
	cache := New(profiles.lookup, Options{Size: 5})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		cache.Resolve(ctx, fmt.Sprintf("u%d", i))
		if cache.Len() > 5 {
			t.Fatalf("cache grew beyond its bound: %d", cache.Len())
		}
	}

	before := profiles.callCount()
	cache.Resolve(ctx, "u0")
	if profiles.callCount() != before+1 {
		t.Fatal("expected the oldest entry to have been evicted")
	}
}

func TestConcurrentMissesCollapseIntoOneLookup(t *testing.T) {
	profiles := &fakeProfiles{names: map[string]string{"u1": "Ana"}, gate: make(chan struct{})}
	cache := New(profiles.lookup, Options{Size: 10})
	ctx := context.Background()

	var wg sync.WaitGroup
	var resolved atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cache.Resolve(ctx, "u1") == "Ana" {
				resolved.Add(1)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(profiles.gate)
	wg.Wait()

	if resolved.Load() != 8 {
		t.Fatalf("expected every caller to get the name, got %d", resolved.Load())
	}
	if profiles.callCount() != 1 {
		t.Fatalf("expected one lookup for concurrent misses, got %d", profiles.callCount())
	}
}

func TestResolveManyBatches(t *testing.T) {
	profiles := &fakeProfiles{names: map[string]string{"u1": "Ana", "u2": "Bruno"}}
	cache := New(profiles.lookup, Options{Size: 10})
	ctx := context.Background()

	cache.Resolve(ctx, "u1")
	got := cache.ResolveMany(ctx, []string{"u1", "u2", "u3", "u2"})
	if got["u1"] != "Ana" || got["u2"] != "Bruno" || got["u3"] != Fallback {
		t.Fatalf("unexpected names: %+v", got)
	}
	if profiles.callCount() != 2 {
		t.Fatalf("expected one batch lookup after the single resolve, got %d calls", profiles.callCount())
	}
}

func TestRedisTierSharesNamesAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	first := &fakeProfiles{names: map[string]string{"u1": "Ana"}}
	New(first.lookup, Options{Redis: client, TTL: time.Hour}).Resolve(ctx, "u1")

	second := &fakeProfiles{}
	other := New(second.lookup, Options{Redis: client, TTL: time.Hour})
	if got := other.Resolve(ctx, "u1"); got != "Ana" {
		t.Fatalf("expected shared name, got %q", got)
	}
	if second.callCount() != 0 {
		t.Fatal("expected the second instance to be served by redis")
	}

	mr.FastForward(2 * time.Hour)
	if mr.Exists(keyPrefix + "u1") {
		t.Fatal("expected shared entry to expire")
	}
}

func TestInvalidateDropsBothTiers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	profiles := &fakeProfiles{names: map[string]string{"u1": "Ana"}}
	cache := New(profiles.lookup, Options{Redis: client, TTL: time.Hour})
	cache.Resolve(ctx, "u1")

	profiles.names["u1"] = "Ana María"
	cache.Invalidate(ctx, "u1")
	if mr.Exists(keyPrefix + "u1") {
		t.Fatal("expected redis entry to be deleted")
	}
	if got := cache.Resolve(ctx, "u1"); got != "Ana María" {
		t.Fatalf("expected refreshed name, got %q", got)
	}
}
