package main

import (
	"testing"
	"time"
)

func TestParseScores(t *testing.T) {
	got, err := parseScores([]string{"pdd=80", " technical_viability = 72.5 "})
	if err != nil {
		t.Fatalf("parse scores: %v", err)
	}
	if got["pdd"] != 80 || got["technical_viability"] != 72.5 {
		t.Fatalf("unexpected scores %v", got)
	}
	for _, bad := range []string{"pdd", "=10", "pdd=high"} {
		if _, err := parseScores([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
	if got, err := parseScores(nil); err != nil || got != nil {
		t.Fatalf("expected nil scores, got %v %v", got, err)
	}
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("2026-03-01")
	if err != nil {
		t.Fatalf("parse date: %v", err)
	}
	if !d.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected date %v", d)
	}
	d, err = parseDate("2026-03-01T12:00:00-03:00")
	if err != nil {
		t.Fatalf("parse rfc3339: %v", err)
	}
	if d.Hour() != 15 || d.Location() != time.UTC {
		t.Fatalf("expected UTC conversion, got %v", d)
	}
	if d, err := parseDate(""); err != nil || d != nil {
		t.Fatalf("expected nil date, got %v %v", d, err)
	}
	if _, err := parseDate("01/03/2026"); err == nil {
		t.Fatal("expected error for unsupported layout")
	}
}
