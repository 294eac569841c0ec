package outputparser

import "testing"

func TestNoHitTranscript(t *testing.T) {
	p := New(nil)
	p.Feed("Setting starting keys...")
	p.Feed("Speed: 3500 Mkey/s")
	p.Feed("Range Finished! Time: 00:01:02 Found: 0")

	res := p.Result()
	if res.HitCount != 0 {
		t.Fatalf("HitCount = %d, want 0", res.HitCount)
	}
	if res.AnyHit {
		t.Fatal("AnyHit should be false")
	}
	if res.SpeedSummary != "Range Finished! Time: 00:01:02 Found: 0" {
		t.Fatalf("SpeedSummary = %q", res.SpeedSummary)
	}
}

func TestHitTranscriptFiresNotifyOnce(t *testing.T) {
	calls := 0
	p := New(func() { calls++ })

	wif := "Kw" + repeat("x", 58) // 60 chars total
	p.Feed("Range Finished! Time: 00:00:45 Found: 1")
	p.Feed("Priv (HEX): DEADBEEF")
	p.Feed("Priv (WIF): " + wif)
	p.Feed("Address: 1abcDEFghiJKLmno")

	res := p.Result()
	if res.HitCount != 1 {
		t.Fatalf("HitCount = %d, want 1", res.HitCount)
	}
	if !res.AnyHit {
		t.Fatal("AnyHit should be true")
	}
	if len(res.WIFShort) != 60 {
		t.Fatalf("WIFShort length = %d, want 60", len(res.WIFShort))
	}
	if res.Address != "1abcDEFghiJKLmno" {
		t.Fatalf("Address = %q", res.Address)
	}
	if calls != 1 {
		t.Fatalf("notify called %d times, want exactly 1", calls)
	}
}

func TestPrivLinesAloneDoNotFireNotify(t *testing.T) {
	calls := 0
	p := New(func() { calls++ })

	// A transcript with key-material lines but no preceding "range
	// finished! ... found: K>=1" line must never raise the stop signal;
	// only the Found line is a Hit per the documented grammar.
	p.Feed("Priv (HEX): DEADBEEF")
	p.Feed("Priv (WIF): KwSomeWifValue")

	if calls != 0 {
		t.Fatalf("notify called %d times, want 0 without a Found:>=1 line", calls)
	}
}

func TestAddressIgnoredBeforeAnyHit(t *testing.T) {
	p := New(nil)
	p.Feed("Address: should-be-ignored")
	if p.Result().Address != "" {
		t.Fatal("Address line before any hit must be ignored")
	}
}

func TestCaseInsensitiveAndWhitespaceTolerant(t *testing.T) {
	p := New(nil)
	p.Feed("   rAnGe FiNiShEd!   found:   2   ")
	if p.Result().HitCount != 2 {
		t.Fatalf("HitCount = %d, want 2", p.Result().HitCount)
	}
}

func TestNearMissDiagnosticAvailable(t *testing.T) {
	p := New(nil)
	p.Feed("possible key found nearby but unrecognized format")
	line, dump, ok := p.DumpNearMiss()
	if !ok || line == "" || dump == "" {
		t.Fatal("expected a near-miss diagnostic to be recorded")
	}
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
