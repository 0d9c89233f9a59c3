package cache

import (
	"testing"
	"time"
)

func TestDedupeCache_LookupWithinWindow(t *testing.T) {
	c := NewDedupeCache(DedupeCacheOptions{TTL: 5 * time.Second, MaxSize: 100})
	now := time.Now()

	key := SubmissionKey("alice", "m1")
	c.RememberAt(key, "msg-1", now)

	got, ok := c.LookupAt(key, now.Add(2*time.Second))
	if !ok {
		t.Fatal("LookupAt within window = miss, want hit")
	}
	if got != "msg-1" {
		t.Errorf("LookupAt returned %q, want msg-1", got)
	}
}

func TestDedupeCache_ExpiresAfterWindow(t *testing.T) {
	c := NewDedupeCache(DedupeCacheOptions{TTL: 5 * time.Second, MaxSize: 100})
	now := time.Now()

	c.RememberAt("alice:m1", "msg-1", now)

	if _, ok := c.LookupAt("alice:m1", now.Add(6*time.Second)); ok {
		t.Error("LookupAt past window = hit, want miss")
	}
}

func TestDedupeCache_MissForUnknownKey(t *testing.T) {
	c := NewDedupeCache(DedupeCacheOptions{TTL: 5 * time.Second})
	if _, ok := c.Lookup("ghost"); ok {
		t.Error("Lookup(ghost) = hit, want miss")
	}
	if _, ok := c.Lookup(""); ok {
		t.Error("Lookup(empty) = hit, want miss")
	}
}

func TestDedupeCache_EvictsOldestAtCapacity(t *testing.T) {
	c := NewDedupeCache(DedupeCacheOptions{TTL: time.Hour, MaxSize: 3})
	base := time.Now()

	c.RememberAt("k1", "m1", base)
	c.RememberAt("k2", "m2", base.Add(time.Second))
	c.RememberAt("k3", "m3", base.Add(2*time.Second))
	c.RememberAt("k4", "m4", base.Add(3*time.Second))

	if c.Size() != 3 {
		t.Errorf("Size() = %d, want 3", c.Size())
	}
	if _, ok := c.LookupAt("k1", base.Add(3*time.Second)); ok {
		t.Error("oldest entry survived capacity eviction")
	}
	if _, ok := c.LookupAt("k4", base.Add(3*time.Second)); !ok {
		t.Error("newest entry missing after eviction")
	}
}

func TestSubmissionKey(t *testing.T) {
	if got := SubmissionKey("alice", "m1"); got != "alice:m1" {
		t.Errorf("SubmissionKey = %q, want alice:m1", got)
	}
	if got := SubmissionKey("", "m1"); got != "" {
		t.Errorf("SubmissionKey with empty sender = %q, want empty", got)
	}
}

func TestInflightSet_BeginFinish(t *testing.T) {
	s := NewInflightSet(30 * time.Second)

	if !s.Begin("alice:m1") {
		t.Fatal("first Begin = false, want true")
	}
	if s.Begin("alice:m1") {
		t.Error("concurrent Begin = true, want false")
	}

	s.Finish("alice:m1")
	if !s.Begin("alice:m1") {
		t.Error("Begin after Finish = false, want true")
	}
}

func TestInflightSet_TTLTakeover(t *testing.T) {
	s := NewInflightSet(time.Second)
	now := time.Now()

	if !s.BeginAt("alice:m1", now) {
		t.Fatal("first BeginAt = false")
	}
	// A marker leaked past its TTL can be reclaimed.
	if !s.BeginAt("alice:m1", now.Add(2*time.Second)) {
		t.Error("BeginAt after TTL = false, want takeover")
	}
}

func TestInflightSet_EmptyKeyIsNoop(t *testing.T) {
	s := NewInflightSet(time.Minute)
	if !s.Begin("") {
		t.Error("Begin(empty) = false, want true")
	}
	if s.Size() != 0 {
		t.Errorf("Size() = %d after empty key, want 0", s.Size())
	}
}
