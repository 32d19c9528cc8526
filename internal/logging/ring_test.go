package logging

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

func TestRingCapturesZerologLines(t *testing.T) {
	ring := NewRing(10)
	logger := zerolog.New(ring).With().Timestamp().Logger()

	logger.Info().Str("job_id", "j1").Msg("page fetched")
	logger.Warn().Msg("retrying")

	entries := ring.Recent(0)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	// Newest first.
	if entries[0].Message != "retrying" || entries[0].Level != "warn" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Message != "page fetched" || entries[1].JobID != "j1" {
		t.Errorf("entry 1 = %+v", entries[1])
	}
	if entries[1].TS.IsZero() {
		t.Error("timestamp not captured")
	}
}

func TestRingDiscardsOldest(t *testing.T) {
	ring := NewRing(3)
	logger := zerolog.New(ring)

	for i := 0; i < 5; i++ {
		logger.Info().Msgf("line %d", i)
	}

	entries := ring.Recent(0)
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want capacity 3", len(entries))
	}
	for i, want := range []string{"line 4", "line 3", "line 2"} {
		if entries[i].Message != want {
			t.Errorf("entry %d = %q, want %q", i, entries[i].Message, want)
		}
	}
}

func TestRingRecentLimit(t *testing.T) {
	ring := NewRing(10)
	logger := zerolog.New(ring)
	for i := 0; i < 6; i++ {
		logger.Info().Msg(fmt.Sprintf("line %d", i))
	}

	entries := ring.Recent(2)
	if len(entries) != 2 || entries[0].Message != "line 5" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestRingKeepsUnparseableLines(t *testing.T) {
	ring := NewRing(4)
	if _, err := ring.Write([]byte("plain text line")); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries := ring.Recent(0)
	if len(entries) != 1 || entries[0].Message != "plain text line" {
		t.Errorf("entries = %+v", entries)
	}
}
