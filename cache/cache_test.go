package cache

import (
	"testing"
	"time"
)

func TestSetGet(t *testing.T) {
	c := NewCache[string, int]()
	defer c.Close()

	c.Set("a", 1)
	got, ok := c.Get("a")
	if !ok || got != 1 {
		t.Fatalf("Get(a) = %v, %v; want 1, true", got, ok)
	}

	if _, ok := c.Get("missing"); ok {
		t.Fatal("Get(missing) reported present")
	}
}

func TestSetWithTTLExpires(t *testing.T) {
	c := NewCache[string, string]()
	defer c.Close()

	c.SetWithTTL("k", "v", 20*time.Millisecond)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("value expired immediately")
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("value did not expire")
	}
}

func TestNegativeTTLDeletes(t *testing.T) {
	c := NewCache[string, int]()
	defer c.Close()

	c.Set("k", 1)
	c.SetWithTTL("k", 2, -1)
	if _, ok := c.Get("k"); ok {
		t.Fatal("negative TTL must delete the key")
	}
}

func TestGetOrSet(t *testing.T) {
	c := NewCache[string, int]()
	defer c.Close()

	v, loaded := c.GetOrSet("k", 1)
	if loaded || v != 1 {
		t.Fatalf("first GetOrSet = %v, %v; want 1, false", v, loaded)
	}
	v, loaded = c.GetOrSet("k", 2)
	if !loaded || v != 1 {
		t.Fatalf("second GetOrSet = %v, %v; want 1, true", v, loaded)
	}
}

func TestDeleteAndLen(t *testing.T) {
	c := NewCache[int, int]()
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.Set(i, i)
	}
	if c.Len() != 5 {
		t.Fatalf("Len = %d, want 5", c.Len())
	}
	c.Delete(0)
	c.Delete(0) // double delete must not underflow
	if c.Len() != 4 {
		t.Fatalf("Len after delete = %d, want 4", c.Len())
	}
}

func TestDefaultTTLOption(t *testing.T) {
	c := NewCache[string, int](WithDefaultTTL[string, int](20 * time.Millisecond))
	defer c.Close()

	c.Set("k", 1)
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("default TTL was not applied by Set")
	}
}

func TestRangeSkipsExpired(t *testing.T) {
	c := NewCache[string, int]()
	defer c.Close()

	c.Set("keep", 1)
	c.SetWithTTL("gone", 2, time.Nanosecond)
	time.Sleep(time.Millisecond)

	seen := map[string]int{}
	c.Range(func(k string, v int) bool {
		seen[k] = v
		return true
	})
	if len(seen) != 1 || seen["keep"] != 1 {
		t.Fatalf("Range saw %v, want only keep=1", seen)
	}
}
