package main

import (
	"strings"
	"time"
)

// Candidate lifecycle states. Pending is the initial state; approved and
// rejected are terminal except that approved candidates are removed entirely
// once a task has been created from them.
const (
	StatePending  = "pending"
	StateApproved = "approved"
	StateRejected = "rejected"
)

// Feedback categories the extractor is allowed to return.
var feedbackCategories = []string{
	"bug", "feature_request", "enhancement", "complaint", "praise", "other",
}

// SourceRef identifies the Slack message a candidate was extracted from.
type SourceRef struct {
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name,omitempty"`
	MessageTS   string `json:"message_ts"`
	Permalink   string `json:"permalink,omitempty"`
	Reporter    string `json:"reporter,omitempty"`
}

type FeedbackCandidate struct {
	Key         string    `json:"key"`
	Category    string    `json:"category"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Priority    string    `json:"priority"` // "high", "medium", "low"
	Confidence  int       `json:"confidence"`
	Source      SourceRef `json:"source"`
	DueDate     string    `json:"due_date,omitempty"` // YYYY-MM-DD
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	// Zero until the matching transition; omitempty never omits a
	// time.Time, so the snapshot always carries both fields.
	ApprovedAt time.Time `json:"approved_at"`
	RejectedAt time.Time `json:"rejected_at"`
}

// FieldOverrides carries edits from the review modal. Empty fields mean
// "keep the extracted value".
type FieldOverrides struct {
	Title       string
	Description string
	Priority    string
	Category    string
	DueDate     string
}

// candidateKey derives the stable candidate key from a message timestamp.
// Slack timestamps are unique per channel and never reused, so the key is
// collision-free for a single intake channel.
func candidateKey(messageTS string) string {
	return "fb-" + strings.TrimSpace(messageTS)
}

func normalizeCategory(category string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	c = strings.ReplaceAll(c, " ", "_")
	for _, known := range feedbackCategories {
		if c == known {
			return known
		}
	}
	return "other"
}

// normalizePriority maps free-form extractor output ("High Priority", "P1",
// "LOW") onto the closed enum. Unknown values land on medium.
func normalizePriority(priority string) string {
	p := strings.ToLower(strings.TrimSpace(priority))
	switch {
	case strings.Contains(p, "high") || p == "p0" || p == "p1" || p == "urgent" || p == "critical":
		return "high"
	case strings.Contains(p, "low") || p == "p3" || p == "p4" || p == "minor":
		return "low"
	default:
		return "medium"
	}
}
