package lsm

import "testing"

func TestResultCacheHitAfterPut(t *testing.T) {
	c := newResultCache(2)
	c.put("k", NewData([]byte("v")), true)

	v, found, hit := c.get("k")
	if !hit || !found || string(v.Payload) != "v" {
		t.Fatalf("expected a cache hit with the stored value, got %+v found=%v hit=%v", v, found, hit)
	}
}

func TestResultCacheInvalidateDropsEntry(t *testing.T) {
	c := newResultCache(2)
	c.put("k", NewData([]byte("v")), true)
	c.invalidate("k")

	_, _, hit := c.get("k")
	if hit {
		t.Fatal("expected invalidate to evict the cached entry")
	}
}

func TestResultCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newResultCache(2)
	c.put("a", NewData([]byte("1")), true)
	c.put("b", NewData([]byte("2")), true)
	c.get("a") // touch a, making b the least recently used
	c.put("c", NewData([]byte("3")), true)

	if _, _, hit := c.get("b"); hit {
		t.Fatal("expected b to have been evicted as the least recently used entry")
	}
	if _, _, hit := c.get("a"); !hit {
		t.Fatal("expected a to survive since it was touched more recently")
	}
}

func TestResultCacheZeroCapacityDisablesCaching(t *testing.T) {
	c := newResultCache(0)
	c.put("k", NewData([]byte("v")), true)
	if _, _, hit := c.get("k"); hit {
		t.Fatal("expected a zero-capacity cache to never report a hit")
	}
}
