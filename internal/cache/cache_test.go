package cache

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/alanbgeorge/vehicle-parking-app/internal/domain"
)

// fakeStore is an in-memory Store with fault injection.
type fakeStore struct {
	mu      sync.Mutex
	data    map[string]string
	failGet bool
	failSet bool
	failDel bool
}

var errStoreDown = errors.New("store down")

func newFakeStore() *fakeStore { return &fakeStore{data: map[string]string{}} }

func (s *fakeStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet {
		return "", false, errStoreDown
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *fakeStore) Set(_ context.Context, key, value string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSet {
		return errStoreDown
	}
	s.data[key] = value
	return nil
}

func (s *fakeStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDel {
		return errStoreDown
	}
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func sampleLots() []domain.LotSummary {
	return []domain.LotSummary{{ID: 1, Name: "Garage", TotalSlots: 4, FreeSlots: 2, PricePerHour: 30}}
}

func TestListingKey(t *testing.T) {
	if got := ListingKey(""); got != "lots:all" {
		t.Errorf("empty pin: got %s", got)
	}
	if got := ListingKey("560001"); got != "lots:pin:560001" {
		t.Errorf("pin key: got %s", got)
	}
}

func TestPutThenGetListing(t *testing.T) {
	store := newFakeStore()
	c := NewLotCache(store, 30*time.Second, nil)
	ctx := context.Background()

	if _, ok := c.GetListing(ctx, ""); ok {
		t.Fatal("empty cache should miss")
	}
	if out := c.PutListing(ctx, "", sampleLots()); out.Failed() {
		t.Fatalf("put: %v", out.Err)
	}
	lots, ok := c.GetListing(ctx, "")
	if !ok {
		t.Fatal("want hit after put")
	}
	if len(lots) != 1 || lots[0].FreeSlots != 2 {
		t.Fatalf("round trip mangled the projection: %+v", lots)
	}
	// Pin-filtered view is a separate key.
	if _, ok := c.GetListing(ctx, "560001"); ok {
		t.Fatal("pin view should miss, only the unfiltered key was filled")
	}
}

func TestInvalidateListingDropsAllAndPins(t *testing.T) {
	store := newFakeStore()
	c := NewLotCache(store, 30*time.Second, nil)
	ctx := context.Background()

	c.PutListing(ctx, "", sampleLots())
	c.PutListing(ctx, "560001", sampleLots())
	c.PutListing(ctx, "110011", sampleLots())

	if out := c.InvalidateListing(ctx, "560001", "560001", ""); out.Failed() {
		t.Fatalf("invalidate: %v", out.Err)
	}
	if _, ok := c.GetListing(ctx, ""); ok {
		t.Error("lots:all should be gone")
	}
	if _, ok := c.GetListing(ctx, "560001"); ok {
		t.Error("invalidated pin view should be gone")
	}
	if _, ok := c.GetListing(ctx, "110011"); !ok {
		t.Error("untouched pin view should survive")
	}
}

func TestStoreErrorsAreMissesAndLogged(t *testing.T) {
	store := newFakeStore()
	var buf bytes.Buffer
	c := NewLotCache(store, 30*time.Second, log.New(&buf, "", 0))
	ctx := context.Background()

	c.PutListing(ctx, "", sampleLots())
	store.failGet = true
	if _, ok := c.GetListing(ctx, ""); ok {
		t.Fatal("store error must read as a miss")
	}
	if !bytes.Contains(buf.Bytes(), []byte("get")) {
		t.Errorf("get failure should be logged, got %q", buf.String())
	}

	buf.Reset()
	store.failSet = true
	if out := c.PutListing(ctx, "", sampleLots()); !out.Failed() {
		t.Fatal("set failure should surface in the outcome")
	}
	if !bytes.Contains(buf.Bytes(), []byte("set")) {
		t.Errorf("set failure should be logged, got %q", buf.String())
	}

	buf.Reset()
	store.failDel = true
	if out := c.InvalidateListing(ctx, "560001"); !out.Failed() {
		t.Fatal("delete failure should surface in the outcome")
	}
}

func TestCorruptEntryIsAMiss(t *testing.T) {
	store := newFakeStore()
	c := NewLotCache(store, 30*time.Second, log.New(&bytes.Buffer{}, "", 0))
	ctx := context.Background()

	store.data["lots:all"] = "{not json"
	if _, ok := c.GetListing(ctx, ""); ok {
		t.Fatal("corrupt entry must read as a miss")
	}
}

func TestNilCacheIsDisabled(t *testing.T) {
	var c *LotCache
	ctx := context.Background()
	if _, ok := c.GetListing(ctx, ""); ok {
		t.Fatal("nil cache should always miss")
	}
	if out := c.PutListing(ctx, "", sampleLots()); out.Failed() {
		t.Fatal("nil cache put should be a no-op")
	}
	if out := c.InvalidateListing(ctx, "560001"); out.Failed() {
		t.Fatal("nil cache invalidate should be a no-op")
	}

	disabled := NewLotCache(nil, time.Second, nil)
	if _, ok := disabled.GetListing(ctx, ""); ok {
		t.Fatal("nil store should always miss")
	}
}
