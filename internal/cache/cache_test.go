package cache

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	tmp := t.TempDir()
	store, err := Open(filepath.Join(tmp, "cache.db"), filepath.Join(tmp, "cache.lock"))
	if err != nil {
		t.Fatalf("Open cache failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	return store.WithClock(clock.Now), clock
}

func TestCacheAgesEntries(t *testing.T) {
	cases := []struct {
		name     string
		age      time.Duration
		maxStale time.Duration
		stale    bool
		tooStale bool
	}{
		{name: "fresh", age: 500 * time.Millisecond, maxStale: 5 * time.Second},
		{name: "stale within budget", age: 3 * time.Second, maxStale: 5 * time.Second, stale: true},
		{name: "beyond budget", age: 7 * time.Second, maxStale: 5 * time.Second, stale: true, tooStale: true},
		{name: "unbounded budget", age: time.Hour, maxStale: -1, stale: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, clock := openTestStore(t)
			if err := store.Set("tokens:1:0xaa|k", []byte(`{"v":1}`), time.Second); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			clock.Advance(tc.age)
			res, err := store.Get("tokens:1:0xaa|k", tc.maxStale)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !res.Hit || res.Age != tc.age || res.Stale != tc.stale || res.TooStale != tc.tooStale {
				t.Fatalf("unexpected result %+v", res)
			}
		})
	}
}

func TestCacheMissAndOverwrite(t *testing.T) {
	store, clock := openTestStore(t)
	if res, err := store.Get("missing", time.Minute); err != nil || res.Hit {
		t.Fatalf("expected miss, got %+v err=%v", res, err)
	}
	if err := store.Set("k", []byte(`1`), time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	clock.Advance(2 * time.Second)
	if err := store.Set("k", []byte(`2`), time.Minute); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	res, err := store.Get("k", 0)
	if err != nil || string(res.Value) != "2" || res.Stale {
		t.Fatalf("expected refreshed entry, got %+v err=%v", res, err)
	}
}

func TestCachePruneDropsExpired(t *testing.T) {
	store, clock := openTestStore(t)
	if err := store.Set("short", []byte(`1`), time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Set("long", []byte(`1`), time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	clock.Advance(time.Minute)
	if err := store.Prune(); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if res, _ := store.Get("short", -1); res.Hit {
		t.Fatal("expected expired entry to be pruned")
	}
	if res, _ := store.Get("long", -1); !res.Hit {
		t.Fatal("expected live entry to survive prune")
	}
}

func TestCacheConcurrentOpenAndSet(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "cache.db")
	lockPath := filepath.Join(tmp, "cache.lock")

	const workers = 8
	const iterations = 25

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			store, err := Open(dbPath, lockPath)
			if err != nil {
				errCh <- fmt.Errorf("worker %d open: %w", workerID, err)
				return
			}
			defer store.Close()

			for i := 0; i < iterations; i++ {
				key := Key(fmt.Sprintf("tokens:%d", workerID), fmt.Sprint(i))
				if err := store.Set(key, []byte(`[]`), time.Minute); err != nil {
					errCh <- fmt.Errorf("worker %d set %d: %w", workerID, i, err)
					return
				}
				if res, err := store.Get(key, time.Minute); err != nil || !res.Hit {
					errCh <- fmt.Errorf("worker %d get %d: hit=%v err=%v", workerID, i, res.Hit, err)
					return
				}
			}
		}(worker)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}

func TestCacheInvalidateNamespace(t *testing.T) {
	store, _ := openTestStore(t)
	mainnet := Key("tokens:1:0xaa", "10")
	mainnetLow := Key("tokens:1:0xaa", "1")
	polygon := Key("tokens:137:0xaa", "10")
	for _, key := range []string{mainnet, mainnetLow, polygon} {
		if err := store.Set(key, []byte(`[]`), time.Minute); err != nil {
			t.Fatalf("Set %s failed: %v", key, err)
		}
	}

	n, err := store.Invalidate("tokens:1:0xaa")
	if err != nil || n != 2 {
		t.Fatalf("expected both thresholds dropped, got n=%d err=%v", n, err)
	}
	if res, _ := store.Get(mainnet, time.Minute); res.Hit {
		t.Fatal("expected invalidated entry to be gone")
	}
	if res, _ := store.Get(polygon, time.Minute); !res.Hit {
		t.Fatal("expected other namespace to survive")
	}
	if n, err := store.Invalidate("tokens:1"); err != nil || n != 0 {
		t.Fatalf("namespace match must be exact, got n=%d err=%v", n, err)
	}
}

func TestKeyIsStable(t *testing.T) {
	if Key("tokens", "1", "0xaa") != Key("tokens", "1", "0xaa") {
		t.Fatal("expected stable keys")
	}
	if Key("tokens", "1", "0xaa") == Key("tokens", "10", "xaa") {
		t.Fatal("expected part boundaries to matter")
	}
	if namespaceOf(Key("tokens:1:0xaa", "10")) != "tokens:1:0xaa" {
		t.Fatal("expected namespace to round-trip")
	}
}
