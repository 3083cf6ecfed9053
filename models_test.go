package main

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCandidateKey(t *testing.T) {
	if got := candidateKey("1712345678.000100"); got != "fb-1712345678.000100" {
		t.Fatalf("unexpected key: %q", got)
	}
	if got := candidateKey("  123.456  "); got != "fb-123.456" {
		t.Fatalf("expected trimmed key, got %q", got)
	}
}

func TestCandidateJSONRoundTripKeepsTimestamps(t *testing.T) {
	c := sampleCandidate("fb-rt.1")
	c.State = StateApproved
	c.CreatedAt = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c.ApprovedAt = time.Date(2026, 8, 2, 9, 30, 0, 0, time.UTC)

	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var back FeedbackCandidate
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !back.ApprovedAt.Equal(c.ApprovedAt) || !back.CreatedAt.Equal(c.CreatedAt) {
		t.Fatalf("timestamps lost in round trip: %+v", back)
	}
	if !back.RejectedAt.IsZero() {
		t.Fatalf("untransitioned timestamp must stay zero, got %v", back.RejectedAt)
	}
}

func TestNormalizeCategory(t *testing.T) {
	cases := map[string]string{
		"bug":             "bug",
		"Bug":             "bug",
		"FEATURE_REQUEST": "feature_request",
		"feature request": "feature_request",
		"praise":          "praise",
		"wishlist":        "other",
		"":                "other",
	}
	for in, want := range cases {
		if got := normalizeCategory(in); got != want {
			t.Errorf("normalizeCategory(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizePriority(t *testing.T) {
	cases := map[string]string{
		"high":          "high",
		"High Priority": "high",
		"P1":            "high",
		"urgent":        "high",
		"critical":      "high",
		"low":           "low",
		"LOW":           "low",
		"p4":            "low",
		"minor":         "low",
		"medium":        "medium",
		"someday":       "medium",
		"":              "medium",
	}
	for in, want := range cases {
		if got := normalizePriority(in); got != want {
			t.Errorf("normalizePriority(%q) = %q, want %q", in, got, want)
		}
	}
}
