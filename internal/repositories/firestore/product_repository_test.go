package firestore

import "testing"

func TestAdjustSizeBucketPrefersDressSizes(t *testing.T) {
	// Numeric labels can exist in both arrays. The dress bucket absorbs the
	// delta and the shoe bucket is left alone.
	dress := []sizeStockDocument{{Size: "8", Stock: 4}}
	shoes := []sizeStockDocument{{Size: "8", Stock: 6}}

	if !adjustSizeBucket(dress, "8", -1) {
		adjustSizeBucket(shoes, "8", -1)
	}

	if dress[0].Stock != 3 {
		t.Fatalf("dress stock = %d, want 3", dress[0].Stock)
	}
	if shoes[0].Stock != 6 {
		t.Fatalf("shoe stock = %d, want 6", shoes[0].Stock)
	}
}

func TestAdjustSizeBucketFallsThroughToShoes(t *testing.T) {
	dress := []sizeStockDocument{{Size: "M", Stock: 2}}
	shoes := []sizeStockDocument{{Size: "9", Stock: 5}}

	if !adjustSizeBucket(dress, "9", 2) {
		adjustSizeBucket(shoes, "9", 2)
	}

	if dress[0].Stock != 2 {
		t.Fatalf("dress stock = %d, want 2", dress[0].Stock)
	}
	if shoes[0].Stock != 7 {
		t.Fatalf("shoe stock = %d, want 7", shoes[0].Stock)
	}
}

func TestAdjustSizeBucketClampsAtZero(t *testing.T) {
	buckets := []sizeStockDocument{{Size: "L", Stock: 1}}
	if !adjustSizeBucket(buckets, "l", -3) {
		t.Fatalf("expected case-insensitive match on %q", "l")
	}
	if buckets[0].Stock != 0 {
		t.Fatalf("stock = %d, want 0", buckets[0].Stock)
	}
}
