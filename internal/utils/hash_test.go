package utils

import "testing"

func TestBucketIsStableAndNormalized(t *testing.T) {
	a := Bucket("Where is my order?", 5)
	if b := Bucket("  where IS my order?\n", 5); a != b {
		t.Fatalf("expected normalized text to share a bucket, got %d and %d", a, b)
	}
	if a < 0 || a >= 5 {
		t.Fatalf("bucket %d out of range", a)
	}
}

func TestBucketNonPositive(t *testing.T) {
	if got := Bucket("anything", 0); got != 0 {
		t.Fatalf("expected 0 for empty range, got %d", got)
	}
}
