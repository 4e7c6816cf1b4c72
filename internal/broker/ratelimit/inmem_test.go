package ratelimit

import "testing"

func TestInMemAllowsUpToBurst(t *testing.T) {
	l := NewInMem(1, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow("client-a") {
			t.Fatalf("expected call %d within burst to be allowed", i)
		}
	}
	if l.Allow("client-a") {
		t.Fatal("expected call beyond burst to be rejected")
	}
}

func TestInMemPartitionsByKey(t *testing.T) {
	l := NewInMem(1, 1)

	if !l.Allow("client-a") {
		t.Fatal("expected first call for client-a to be allowed")
	}
	if !l.Allow("client-b") {
		t.Fatal("expected a different key to have its own bucket")
	}
	if l.Allow("client-a") {
		t.Fatal("expected client-a's bucket to still be exhausted")
	}
}
