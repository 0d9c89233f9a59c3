package ratelimit

import (
	"testing"
	"time"

	"github.com/beaconim/beacon/internal/config"
)

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled: true,
		Actions: map[string]config.ActionBudget{
			"send_message": {PerSecond: 10, Burst: 3},
		},
	}
}

func TestLimiter_AllowsBurstThenLimits(t *testing.T) {
	l := NewLimiter(testConfig())

	for i := 0; i < 3; i++ {
		if d := l.Check("alice", "10.0.0.1", "send_message"); d.Limited {
			t.Errorf("request %d limited, want allowed", i)
		}
	}

	d := l.Check("alice", "10.0.0.1", "send_message")
	if !d.Limited {
		t.Fatal("request after burst not limited")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", d.RetryAfter)
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := NewLimiter(testConfig())

	for i := 0; i < 3; i++ {
		l.Check("alice", "10.0.0.1", "send_message")
	}
	if d := l.Check("bob", "10.0.0.2", "send_message"); d.Limited {
		t.Error("bob limited by alice's usage")
	}
}

func TestLimiter_IPKeyAlsoEnforced(t *testing.T) {
	l := NewLimiter(testConfig())

	// Different users behind the same IP share the IP bucket.
	for i := 0; i < 3; i++ {
		l.Check("alice", "10.0.0.1", "send_message")
	}
	if d := l.Check("eve", "10.0.0.1", "send_message"); !d.Limited {
		t.Error("shared IP not limited after burst")
	}
}

func TestLimiter_UnknownActionIsUnlimited(t *testing.T) {
	l := NewLimiter(testConfig())
	for i := 0; i < 50; i++ {
		if d := l.Check("alice", "10.0.0.1", "mark_read"); d.Limited {
			t.Fatal("action without a budget was limited")
		}
	}
}

func TestLimiter_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	l := NewLimiter(cfg)

	for i := 0; i < 50; i++ {
		if d := l.Check("alice", "10.0.0.1", "send_message"); d.Limited {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}

func TestLimiter_Refills(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{
		Enabled: true,
		Actions: map[string]config.ActionBudget{
			"send_message": {PerSecond: 100, Burst: 1},
		},
	})

	l.Check("alice", "", "send_message")
	if d := l.Check("alice", "", "send_message"); !d.Limited {
		t.Fatal("second immediate request not limited")
	}

	time.Sleep(50 * time.Millisecond)
	if d := l.Check("alice", "", "send_message"); d.Limited {
		t.Error("request after refill still limited")
	}
}
