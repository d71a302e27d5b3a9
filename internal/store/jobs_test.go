package store

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestBackoffNonDecreasing(t *testing.T) {
	prev := time.Duration(0)
	for attempts := 1; attempts <= 12; attempts++ {
		d := Backoff(30*time.Second, time.Hour, attempts)
		if d < prev {
			t.Fatalf("backoff decreased at attempt %d: %s < %s", attempts, d, prev)
		}
		prev = d
	}
}

func TestBackoffDoublesThenCaps(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{8, 64 * time.Minute},
	}
	for _, tc := range cases {
		got := Backoff(30*time.Second, time.Hour, tc.attempts)
		want := tc.want
		if want > time.Hour {
			want = time.Hour
		}
		if got != want {
			t.Errorf("Backoff(attempts=%d) = %s, want %s", tc.attempts, got, want)
		}
	}
	if got := Backoff(30*time.Second, time.Hour, 50); got != time.Hour {
		t.Errorf("deep retries should cap at the max, got %s", got)
	}
}

func TestBackoffDefaults(t *testing.T) {
	if got := Backoff(0, 0, 1); got != defaultBackoffInitial {
		t.Errorf("Backoff with zero config = %s, want %s", got, defaultBackoffInitial)
	}
	if got := Backoff(0, 0, 0); got != defaultBackoffInitial {
		t.Errorf("attempt 0 should behave like attempt 1, got %s", got)
	}
}

func TestTruncateErrorKeepsValidUTF8(t *testing.T) {
	// A 3-byte rune straddles the byte limit; the cut must back up to
	// the rune boundary instead of storing a torn sequence.
	message := strings.Repeat("x", maxErrorLen-1) + "日本語"
	got := truncateError(message)
	if len(got) > maxErrorLen {
		t.Fatalf("truncated message is %d bytes, limit is %d", len(got), maxErrorLen)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncated message is not valid UTF-8: %q", got[len(got)-8:])
	}
	if got != strings.Repeat("x", maxErrorLen-1) {
		t.Fatalf("expected the straddling rune to be dropped, got %d bytes", len(got))
	}
}

func TestTruncateErrorShortMessagesUntouched(t *testing.T) {
	exact := strings.Repeat("e", maxErrorLen)
	if got := truncateError(exact); got != exact {
		t.Errorf("message at the limit should pass through, got %d bytes", len(got))
	}
	if got := truncateError("boom"); got != "boom" {
		t.Errorf("short message changed: %q", got)
	}
	long := strings.Repeat("a", maxErrorLen+100)
	if got := truncateError(long); got != long[:maxErrorLen] {
		t.Errorf("ASCII overflow should cut at exactly %d bytes, got %d", maxErrorLen, len(got))
	}
}

func TestJobFingerprintStableUnderKeyOrder(t *testing.T) {
	a := JobFingerprint("auto_grade", map[string]any{"claim_ids": []any{1, 2}, "force": true})
	b := JobFingerprint("auto_grade", map[string]any{"force": true, "claim_ids": []any{1, 2}})
	if a != b {
		t.Fatalf("fingerprint should not depend on key order: %s vs %s", a, b)
	}
}

func TestJobFingerprintDistinguishesJobs(t *testing.T) {
	base := JobFingerprint("auto_grade", map[string]any{"claim_ids": []any{1}})
	if other := JobFingerprint("fetch_evidence", map[string]any{"claim_ids": []any{1}}); other == base {
		t.Error("different job types should fingerprint differently")
	}
	if other := JobFingerprint("auto_grade", map[string]any{"claim_ids": []any{2}}); other == base {
		t.Error("different payloads should fingerprint differently")
	}
}

func TestJobFingerprintNilPayloadMatchesEmpty(t *testing.T) {
	if JobFingerprint("summarize", nil) != JobFingerprint("summarize", map[string]any{}) {
		t.Error("nil payload should fingerprint like an empty payload")
	}
}
