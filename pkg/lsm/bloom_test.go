package lsm

import "testing"

func TestBloomFilterContainsInsertedKeys(t *testing.T) {
	bf := NewBloomFilter(100, 0.01)
	keys := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	for _, k := range keys {
		bf.Insert([]byte(k))
	}
	for _, k := range keys {
		if !bf.Contains([]byte(k)) {
			t.Errorf("expected Contains(%q) to be true after Insert", k)
		}
	}
}

func TestBloomFilterMarshalRoundTrip(t *testing.T) {
	bf := NewBloomFilter(50, 0.01)
	bf.Insert([]byte("roundtrip"))

	data := bf.MarshalBinary()
	restored, err := UnmarshalBloomFilter(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !restored.Contains([]byte("roundtrip")) {
		t.Fatal("restored filter lost a key it should still contain")
	}
}

func TestBloomFilterUsesTwoDistinctBaseHashes(t *testing.T) {
	bf := NewBloomFilter(10, 0.01)
	h1, h2 := bf.baseHashes([]byte("distinguish-me"))
	if h1 == h2 {
		t.Fatal("H1 and H2 must come from distinct hash algorithms, not collide on every key")
	}
}
