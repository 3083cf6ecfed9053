package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Orchestrator wires the extractor, the approval store, the chat surface and
// the task sink into the two workflow paths: ingestion (message -> approval
// prompt) and resolution (button click -> terminal state).
type Orchestrator struct {
	cfg       Config
	store     FeedbackStore
	extractor Extractor
	messenger Messenger
	sink      TaskSink
}

func NewOrchestrator(cfg Config, store FeedbackStore, extractor Extractor, messenger Messenger, sink TaskSink) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		extractor: extractor,
		messenger: messenger,
		sink:      sink,
	}
}

// ShouldIngest filters out everything that is not a fresh human message in
// the intake channel: bot posts, threaded replies, edits/joins/etc.
func (o *Orchestrator) ShouldIngest(msg InboundMessage) bool {
	if msg.ChannelID != o.cfg.FeedbackChannelID {
		return false
	}
	if msg.BotID != "" || msg.UserID == "" {
		return false
	}
	if msg.SubType != "" {
		return false
	}
	if msg.ThreadTS != "" && msg.ThreadTS != msg.MessageTS {
		return false
	}
	return true
}

// IngestMessage runs the full ingestion pipeline for one message. The message
// is marked processed only after the pipeline completes, so a failure leaves
// it eligible for retry on the next delivery (at-least-once ingestion).
func (o *Orchestrator) IngestMessage(msg InboundMessage) error {
	if o.store.IsProcessed(msg.MessageTS) {
		log.Printf("ingest skipped (already processed) ts=%s", msg.MessageTS)
		return nil
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return o.markProcessed(msg.MessageTS)
	}

	sourceLabel := msg.ChannelName
	if sourceLabel == "" {
		sourceLabel = msg.ChannelID
	}
	judgment, err := o.extractor.Judge(text, sourceLabel)
	if err != nil {
		return fmt.Errorf("judging message ts=%s: %w", msg.MessageTS, err)
	}

	if !judgment.IsFeedback || judgment.Confidence < o.cfg.ConfidenceThreshold {
		log.Printf("ingest not actionable ts=%s is_feedback=%v confidence=%d threshold=%d",
			msg.MessageTS, judgment.IsFeedback, judgment.Confidence, o.cfg.ConfidenceThreshold)
		return o.markProcessed(msg.MessageTS)
	}

	reporter := o.messenger.ResolveUserName(msg.UserID)
	if reporter == "" {
		reporter = msg.AttachmentAuthor
	}
	if reporter == "" {
		reporter = "Unknown"
	}

	candidate := FeedbackCandidate{
		Key:         candidateKey(msg.MessageTS),
		Category:    judgment.Category,
		Title:       judgment.Title,
		Description: judgment.Description,
		Priority:    judgment.Priority,
		Confidence:  judgment.Confidence,
		Source: SourceRef{
			ChannelID:   msg.ChannelID,
			ChannelName: msg.ChannelName,
			MessageTS:   msg.MessageTS,
			Permalink:   o.messenger.ResolvePermalink(msg.ChannelID, msg.MessageTS),
			Reporter:    reporter,
		},
	}

	if err := o.store.Register(candidate); err != nil {
		return fmt.Errorf("registering candidate key=%s: %w", candidate.Key, err)
	}
	if err := o.messenger.PostApprovalPrompt(o.cfg.ApprovalChannelID, candidate, text); err != nil {
		return fmt.Errorf("posting approval prompt key=%s: %w", candidate.Key, err)
	}

	log.Printf("ingest registered key=%s category=%s confidence=%d title=%q",
		candidate.Key, candidate.Category, candidate.Confidence, candidate.Title)
	return o.markProcessed(msg.MessageTS)
}

func (o *Orchestrator) markProcessed(messageTS string) error {
	if err := o.store.MarkProcessed(messageTS); err != nil {
		return fmt.Errorf("marking processed ts=%s: %w", messageTS, err)
	}
	return nil
}

// HandleApprove transitions a candidate to approved and creates its task.
// If task creation fails, the candidate stays in approved so a later click
// can retry it.
func (o *Orchestrator) HandleApprove(key, channelID string, overrides FieldOverrides) error {
	existing, ok := o.store.Get(key)
	if !ok {
		log.Printf("approve unknown key=%s (stale click)", key)
		return o.messenger.PostMessage(channelID,
			fmt.Sprintf("This feedback item is no longer tracked (key %s).", key))
	}
	if existing.State == StateRejected {
		return o.messenger.PostMessage(channelID,
			fmt.Sprintf("*%s* was already rejected.", existing.Title))
	}

	approved, err := o.store.Approve(key, overrides)
	if errors.Is(err, ErrNotFound) {
		log.Printf("approve lost race key=%s", key)
		return o.messenger.PostMessage(channelID,
			fmt.Sprintf("This feedback item is no longer tracked (key %s).", key))
	}
	if err != nil {
		return fmt.Errorf("approving key=%s: %w", key, err)
	}

	task, err := o.sink.CreateTask(approved)
	if err != nil {
		log.Printf("task creation failed key=%s (candidate kept for retry): %v", key, err)
		if postErr := o.messenger.PostMessage(channelID,
			fmt.Sprintf("*%s* was approved but task creation failed, check logs. Click Approve again to retry.", approved.Title)); postErr != nil {
			log.Printf("approve failure notice error key=%s: %v", key, postErr)
		}
		return fmt.Errorf("creating task key=%s: %w", key, err)
	}

	if err := o.store.Remove(key); err != nil && !errors.Is(err, ErrNotFound) {
		log.Printf("remove after task creation error key=%s: %v", key, err)
	}
	log.Printf("approve done key=%s task=%s", key, task.ID)
	return o.messenger.PostTaskCreated(channelID, approved, task)
}

func (o *Orchestrator) HandleReject(key, channelID string) error {
	existing, ok := o.store.Get(key)
	if !ok {
		log.Printf("reject unknown key=%s (stale click)", key)
		return o.messenger.PostMessage(channelID,
			fmt.Sprintf("This feedback item is no longer tracked (key %s).", key))
	}
	if existing.State != StatePending {
		return o.messenger.PostMessage(channelID,
			fmt.Sprintf("*%s* was already resolved (%s).", existing.Title, existing.State))
	}

	rejected, err := o.store.Reject(key)
	if errors.Is(err, ErrNotFound) {
		log.Printf("reject lost race key=%s", key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("rejecting key=%s: %w", key, err)
	}

	log.Printf("reject done key=%s", key)
	return o.messenger.PostMessage(channelID,
		fmt.Sprintf("Rejected *%s*. No task was created.", rejected.Title))
}

// HandleReview opens the pre-filled edit modal. Its submission comes back
// through the gateway as approve-with-overrides.
func (o *Orchestrator) HandleReview(key, triggerID, channelID string) error {
	existing, ok := o.store.Get(key)
	if !ok {
		log.Printf("review unknown key=%s (stale click)", key)
		return o.messenger.PostMessage(channelID,
			fmt.Sprintf("This feedback item is no longer tracked (key %s).", key))
	}
	if existing.State == StateRejected {
		return o.messenger.PostMessage(channelID,
			fmt.Sprintf("*%s* was already rejected.", existing.Title))
	}
	return o.messenger.OpenReviewModal(triggerID, channelID, existing)
}

// HandleAssign attaches the clicking user to an already-created task by
// fuzzy-matching their display name against the task store's user directory.
func (o *Orchestrator) HandleAssign(taskID, clickerUserID, channelID string) error {
	name := o.messenger.ResolveUserName(clickerUserID)
	if name == "" {
		return o.messenger.PostMessage(channelID,
			"Could not resolve your display name, assignment skipped.")
	}

	matched, err := o.sink.AssignPerson(taskID, name)
	if err != nil {
		log.Printf("assign error task=%s name=%q: %v", taskID, name, err)
		return o.messenger.PostMessage(channelID,
			fmt.Sprintf("Assignment failed: %v", err))
	}
	return o.messenger.PostMessage(channelID,
		fmt.Sprintf("Assigned to %s.", matched))
}

// RunSweep deletes aged-out candidates regardless of state.
func (o *Orchestrator) RunSweep() {
	maxAge := time.Duration(o.cfg.RetentionDays) * 24 * time.Hour
	removed := o.store.Sweep(maxAge)
	log.Printf("sweep done removed=%d retention_days=%d %s",
		removed, o.cfg.RetentionDays, o.store.Stats())
}

// StartSweepScheduler runs the retention sweep on the configured cron
// schedule (5-field expression, default daily at 03:00).
func (o *Orchestrator) StartSweepScheduler() {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(o.cfg.SweepSchedule)
	if err != nil {
		log.Printf("Invalid sweep_schedule '%s': %v — sweep disabled", o.cfg.SweepSchedule, err)
		return
	}

	log.Printf("Sweep scheduled (cron: %s, retention: %d days)", o.cfg.SweepSchedule, o.cfg.RetentionDays)

	go func() {
		for {
			now := time.Now()
			next := sched.Next(now)
			log.Printf("Next sweep at %s (in %s)", next.Format("Mon Jan 2 15:04"), next.Sub(now).Round(time.Minute))

			time.Sleep(next.Sub(now))
			o.RunSweep()
		}
	}()
}
