package github

import (
	"testing"
	"time"
)

func TestPollerMarkSeen(t *testing.T) {
	p := &Poller{seen: make(map[int64]time.Time)}
	now := time.Now().UTC()

	if !p.markSeen(101, now) {
		t.Error("first sighting should be new")
	}
	if p.markSeen(101, now) {
		t.Error("second sighting should be a duplicate")
	}
	if !p.markSeen(102, now) {
		t.Error("distinct ID should be new")
	}
}

func TestPollerPruneSeen(t *testing.T) {
	p := &Poller{seen: make(map[int64]time.Time)}
	now := time.Now().UTC()

	p.markSeen(1, now.Add(-2*seenTTL))
	p.markSeen(2, now.Add(-seenTTL/2))
	p.markSeen(3, now)

	p.pruneSeen(now)

	if _, ok := p.seen[1]; ok {
		t.Error("expired entry should be pruned")
	}
	if _, ok := p.seen[2]; !ok {
		t.Error("entry inside the window should survive")
	}
	if _, ok := p.seen[3]; !ok {
		t.Error("fresh entry should survive")
	}

	// A pruned ID can be seen again; the since cursor keeps real
	// duplicates from reaching this point that far apart.
	if !p.markSeen(1, now) {
		t.Error("pruned ID should be accepted again")
	}
}
