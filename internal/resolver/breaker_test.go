package resolver

import (
	"errors"
	"testing"
	"time"

	"github.com/rawblock/expense-engine/internal/ports"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:          10,
		ErrorRateOpen:   0.30,
		TimeoutRateOpen: 0.10,
		HalfOpenAfter:   30 * time.Second,
		CloseSuccesses:  3,
		MinSamples:      10,
	}
}

func TestBreakerOpensOnErrorRate(t *testing.T) {
	clock := ports.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewBreaker("test", testBreakerConfig(), clock)

	failure := errors.New("boom")
	for i := 0; i < 7; i++ {
		b.Record(nil, false)
	}
	for i := 0; i < 3; i++ {
		b.Record(failure, false)
	}

	if b.Allow() {
		t.Fatal("breaker should be open at 30% failure rate")
	}
	if got := b.State(); got != "open" {
		t.Errorf("State() = %q, want open", got)
	}
}

func TestBreakerOpensOnTimeoutRate(t *testing.T) {
	clock := ports.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewBreaker("test", testBreakerConfig(), clock)

	for i := 0; i < 9; i++ {
		b.Record(nil, false)
	}
	// One timeout in ten calls is the 10% boundary.
	b.Record(errors.New("deadline"), true)

	if b.Allow() {
		t.Fatal("breaker should be open at 10% timeout rate")
	}
}

func TestBreakerHalfOpenProbeAndClose(t *testing.T) {
	clock := ports.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewBreaker("test", testBreakerConfig(), clock)

	failure := errors.New("boom")
	for i := 0; i < 10; i++ {
		b.Record(failure, false)
	}
	if b.Allow() {
		t.Fatal("expected open breaker")
	}

	clock.Advance(31 * time.Second)
	if !b.Allow() {
		t.Fatal("expected half-open probe after cooldown")
	}

	// A failed probe trips it back open.
	b.Record(failure, false)
	if b.Allow() {
		t.Fatal("failed probe should re-open the breaker")
	}

	clock.Advance(31 * time.Second)
	if !b.Allow() {
		t.Fatal("expected second probe window")
	}
	for i := 0; i < 3; i++ {
		b.Record(nil, false)
	}
	if got := b.State(); got != "closed" {
		t.Errorf("State() after 3 consecutive successes = %q, want closed", got)
	}
	if !b.Allow() {
		t.Error("closed breaker must allow calls")
	}
}

func TestBreakerHalfOpenAdmitsOneCallAtATime(t *testing.T) {
	clock := ports.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewBreaker("test", testBreakerConfig(), clock)

	failure := errors.New("boom")
	for i := 0; i < 10; i++ {
		b.Record(failure, false)
	}

	clock.Advance(31 * time.Second)
	if !b.Allow() {
		t.Fatal("expected half-open probe after cooldown")
	}
	// The probe is still in flight, so further callers must be refused.
	if b.Allow() {
		t.Fatal("half-open breaker admitted a second call before the first resolved")
	}

	b.Record(nil, false)
	if !b.Allow() {
		t.Fatal("expected another probe once the first call resolved")
	}
	if got := b.State(); got != "half_open" {
		t.Errorf("State() = %q, want half_open", got)
	}
}

func TestBreakerNoTripBelowMinSamples(t *testing.T) {
	clock := ports.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewBreaker("test", testBreakerConfig(), clock)

	b.Record(errors.New("boom"), false)
	b.Record(errors.New("boom"), false)

	if !b.Allow() {
		t.Fatal("breaker must not trip on two samples")
	}
}
