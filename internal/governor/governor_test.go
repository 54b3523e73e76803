package governor

import (
	"strings"
	"testing"
	"time"
)

func TestBroadcastCadence(t *testing.T) {
	g := New(Config{DataBroadcastInterval: 3}, 3)
	for i := 1; i <= 9; i++ {
		g.AddNonHit()
		want := i%3 == 0
		if got := g.ShouldBroadcast(); got != want {
			t.Errorf("after %d events ShouldBroadcast = %v, want %v", i, got, want)
		}
	}
}

func TestDisabledIntervals(t *testing.T) {
	g := New(Config{}, 3)
	for i := 0; i < 10; i++ {
		g.AddHit()
	}
	if g.ShouldBroadcast() || g.ShouldSendHitFrame() || g.ShouldSendNonHitFrame() || g.ShouldReportSpeed() {
		t.Error("disabled intervals must never fire")
	}
}

func TestHitAndNonHitFrameCadence(t *testing.T) {
	g := New(Config{HitFrameInterval: 2, NonHitFrameInterval: 3}, 3)

	g.AddHit()
	if g.ShouldSendHitFrame() {
		t.Error("one hit should not trigger with interval 2")
	}
	g.AddHit()
	if !g.ShouldSendHitFrame() {
		t.Error("second hit should trigger")
	}

	g.AddNonHit()
	g.AddNonHit()
	if g.ShouldSendNonHitFrame() {
		t.Error("two non-hits should not trigger with interval 3")
	}
	g.AddNonHit()
	if !g.ShouldSendNonHitFrame() {
		t.Error("third non-hit should trigger")
	}
}

func TestHitRateCounters(t *testing.T) {
	g := New(Config{}, 2)
	g.AddHit()
	g.AddNonHit()
	g.AddNonHit()
	g.AddHit()
	if g.NumEvents() != 4 || g.NumHits() != 2 {
		t.Errorf("events=%d hits=%d, want 4 and 2", g.NumEvents(), g.NumHits())
	}
	if g.HitRate() != 0.5 {
		t.Errorf("HitRate = %v, want 0.5", g.HitRate())
	}
}

func TestNextSampleSourceRoundRobin(t *testing.T) {
	g := New(Config{}, 4) // workers are ranks 1, 2, 3
	got := []int{
		g.NextSampleSource(), g.NextSampleSource(), g.NextSampleSource(),
		g.NextSampleSource(), g.NextSampleSource(),
	}
	want := []int{1, 2, 3, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample sources = %v, want %v", got, want)
		}
	}
}

func TestSpeedReport(t *testing.T) {
	g := New(Config{SpeedReportInterval: 10}, 2)
	base := time.Unix(1000, 0)
	g.now = func() time.Time { return base.Add(2 * time.Second) }
	g.start = base
	g.lastTime = base

	for e := 0; e < 10; e++ {
		g.AddNonHit()
	}
	if !g.ShouldReportSpeed() {
		t.Fatal("speed report due after 10 events")
	}
	report := g.SpeedReport()
	if !strings.HasPrefix(report, "Processed: 10 in 2.00 seconds") {
		t.Errorf("unexpected report %q", report)
	}
	if !strings.Contains(report, "(5.00 Hz)") {
		t.Errorf("unexpected rate in %q", report)
	}
}
