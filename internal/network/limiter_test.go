package network

import "testing"

func TestIPLimiterCapsPerHost(t *testing.T) {
	lim := newIPLimiter(1)
	release, ok := lim.acquire("1.2.3.4:4850")
	if !ok {
		t.Fatalf("expected first slot")
	}
	if _, ok := lim.acquire("1.2.3.4:9999"); ok {
		t.Fatalf("second port on the same host must hit the cap")
	}
	if _, ok := lim.acquire("2.3.4.5:4850"); !ok {
		t.Fatalf("other hosts have their own slots")
	}
	release()
	release()
	if lim.count("1.2.3.4:1") != 0 {
		t.Fatalf("double release must not underflow, got %d", lim.count("1.2.3.4:1"))
	}
	if _, ok := lim.acquire("1.2.3.4:4850"); !ok {
		t.Fatalf("expected slot after release")
	}
}

func TestIPLimiterDisabled(t *testing.T) {
	lim := newIPLimiter(0)
	for i := 0; i < 10; i++ {
		release, ok := lim.acquire("1.2.3.4:4850")
		if !ok {
			t.Fatalf("zero cap means unlimited")
		}
		release()
	}
}
