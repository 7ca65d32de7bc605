package model

import (
	"fmt"
	"testing"
	"time"
)

func TestParseStatus(t *testing.T) {
	if got := ParseStatus(""); got != StatusUnenriched {
		t.Errorf("ParseStatus(\"\") = %s, want unenriched", got)
	}
	if got := ParseStatus("enrich_failed"); got != StatusFailed {
		t.Errorf("ParseStatus(enrich_failed) = %s", got)
	}
	if !ParseStatus("enriching").Valid() {
		t.Error("enriching should be valid")
	}
	if Status("done").Valid() {
		t.Error("done should not be a record status")
	}
}

func TestIsBookkeeping(t *testing.T) {
	for _, col := range BookkeepingColumns {
		if !IsBookkeeping(col) {
			t.Errorf("IsBookkeeping(%s) = false", col)
		}
	}
	if IsBookkeeping("title") {
		t.Error("IsBookkeeping(title) = true")
	}
}

func TestSummaryAddErrorIsCapped(t *testing.T) {
	var s Summary
	for i := 0; i < MaxErrorsKept+5; i++ {
		s.AddError(fmt.Sprintf("ev-%d", i), "boom")
	}
	if len(s.Errors) != MaxErrorsKept {
		t.Errorf("kept %d errors, want %d", len(s.Errors), MaxErrorsKept)
	}
	if s.Errors[0].Key != "ev-0" {
		t.Errorf("first error key = %s, want ev-0", s.Errors[0].Key)
	}
}

func TestSummaryElapsed(t *testing.T) {
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s := Summary{StartedAt: start}
	if s.Elapsed() != 0 {
		t.Errorf("unfinished Elapsed() = %s, want 0", s.Elapsed())
	}

	s.FinishedAt = start.Add(90 * time.Second)
	if s.Elapsed() != 90*time.Second {
		t.Errorf("Elapsed() = %s, want 1m30s", s.Elapsed())
	}
}
