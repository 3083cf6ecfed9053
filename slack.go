package main

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

const (
	actionApprove = "feedback_approve"
	actionReject  = "feedback_reject"
	actionReview  = "feedback_review_open"
	actionAssign  = "task_assign_self"

	modalReviewCallbackID = "feedback_review_modal"
	reviewMetaPrefix      = "candidate:"

	reviewBlockTitle        = "review_title"
	reviewActionTitle       = "title_input"
	reviewBlockDescription  = "review_description"
	reviewActionDescription = "description_input"
	reviewBlockPriority     = "review_priority"
	reviewActionPriority    = "priority_input"

	promptExcerptMaxChars = 300
)

// InboundMessage is the trigger-agnostic shape of a channel message, whether
// it arrived over the Events API or a history poll. Text is already flattened
// (attachments folded in).
type InboundMessage struct {
	ChannelID        string
	ChannelName      string
	UserID           string
	BotID            string
	Text             string
	MessageTS        string
	ThreadTS         string
	SubType          string
	AttachmentAuthor string
}

// Messenger is the narrow Slack surface the orchestrator consumes.
type Messenger interface {
	PostApprovalPrompt(channelID string, c FeedbackCandidate, excerpt string) error
	PostMessage(channelID, text string) error
	PostTaskCreated(channelID string, c FeedbackCandidate, task CreatedTask) error
	ResolveUserName(userID string) string
	ResolvePermalink(channelID, messageTS string) string
	OpenReviewModal(triggerID, channelID string, c FeedbackCandidate) error
	ListRecentMessages(channelID, channelName string, oldest time.Time) ([]InboundMessage, error)
}

type slackMessenger struct {
	api *slack.Client
}

func NewSlackMessenger(api *slack.Client) Messenger {
	return &slackMessenger{api: api}
}

func (m *slackMessenger) PostMessage(channelID, text string) error {
	_, _, err := m.api.PostMessage(channelID, slack.MsgOptionText(text, false))
	if err != nil {
		log.Printf("slack post error channel=%s: %v", channelID, err)
	}
	return err
}

func (m *slackMessenger) PostApprovalPrompt(channelID string, c FeedbackCandidate, excerpt string) error {
	meta := fmt.Sprintf("*Category:* %s | *Priority:* %s | *Confidence:* %d%%",
		c.Category, c.Priority, c.Confidence)
	if c.Source.Reporter != "" {
		meta += fmt.Sprintf(" | *Reporter:* %s", c.Source.Reporter)
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject(slack.PlainTextType, "Feedback detected: "+truncateText(c.Title, 120), false, false),
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, meta, false, false),
			nil, nil,
		),
	}
	if c.Description != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, c.Description, false, false),
			nil, nil,
		))
	}

	var contextElems []slack.MixedElement
	if excerpt != "" {
		contextElems = append(contextElems, slack.NewTextBlockObject(
			slack.MarkdownType, "> "+truncateText(excerpt, promptExcerptMaxChars), false, false))
	}
	if c.Source.Permalink != "" {
		contextElems = append(contextElems, slack.NewTextBlockObject(
			slack.MarkdownType, fmt.Sprintf("<%s|Original message>", c.Source.Permalink), false, false))
	}
	if len(contextElems) > 0 {
		blocks = append(blocks, slack.NewContextBlock("", contextElems...))
	}

	approveBtn := slack.NewButtonBlockElement(
		actionApprove, c.Key,
		slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false),
	).WithStyle(slack.StylePrimary)
	rejectBtn := slack.NewButtonBlockElement(
		actionReject, c.Key,
		slack.NewTextBlockObject(slack.PlainTextType, "Reject", false, false),
	).WithStyle(slack.StyleDanger)
	reviewBtn := slack.NewButtonBlockElement(
		actionReview, c.Key,
		slack.NewTextBlockObject(slack.PlainTextType, "Review & Edit", false, false),
	)
	blocks = append(blocks, slack.NewActionBlock("feedback_actions", approveBtn, rejectBtn, reviewBtn))

	_, _, err := m.api.PostMessage(channelID, slack.MsgOptionBlocks(blocks...))
	if err != nil {
		log.Printf("slack approval prompt error channel=%s key=%s: %v", channelID, c.Key, err)
	}
	return err
}

func (m *slackMessenger) PostTaskCreated(channelID string, c FeedbackCandidate, task CreatedTask) error {
	text := fmt.Sprintf("Task created: <%s|%s>", task.URL, c.Title)
	if task.URL == "" {
		text = fmt.Sprintf("Task created: %s", c.Title)
	}

	assignBtn := slack.NewButtonBlockElement(
		actionAssign, task.ID,
		slack.NewTextBlockObject(slack.PlainTextType, "Assign to me", false, false),
	)
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, text, false, false),
			nil, nil,
		),
		slack.NewActionBlock("task_actions", assignBtn),
	}

	_, _, err := m.api.PostMessage(channelID, slack.MsgOptionBlocks(blocks...))
	if err != nil {
		log.Printf("slack task confirmation error channel=%s task=%s: %v", channelID, task.ID, err)
	}
	return err
}

// ResolveUserName walks the profile name fallback chain. Returns "" when the
// user cannot be resolved at all; the orchestrator supplies further fallbacks.
func (m *slackMessenger) ResolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	user, err := m.api.GetUserInfo(userID)
	if err != nil {
		log.Printf("slack user lookup error user=%s: %v", userID, err)
		return ""
	}
	if user.RealName != "" {
		return user.RealName
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	return user.Name
}

// ResolvePermalink is best-effort; a failure returns "" and never aborts the
// ingestion flow.
func (m *slackMessenger) ResolvePermalink(channelID, messageTS string) string {
	link, err := m.api.GetPermalink(&slack.PermalinkParameters{Channel: channelID, Ts: messageTS})
	if err != nil {
		log.Printf("slack permalink error channel=%s ts=%s: %v", channelID, messageTS, err)
		return ""
	}
	return link
}

func (m *slackMessenger) OpenReviewModal(triggerID, channelID string, c FeedbackCandidate) error {
	titleInput := slack.NewPlainTextInputBlockElement(
		slack.NewTextBlockObject(slack.PlainTextType, "Title", false, false),
		reviewActionTitle,
	).WithInitialValue(c.Title)

	descInput := slack.NewPlainTextInputBlockElement(
		slack.NewTextBlockObject(slack.PlainTextType, "Description", false, false),
		reviewActionDescription,
	).WithInitialValue(c.Description)
	descInput.Multiline = true

	priorityOptions := []*slack.OptionBlockObject{
		slack.NewOptionBlockObject("high", slack.NewTextBlockObject(slack.PlainTextType, "high", false, false), nil),
		slack.NewOptionBlockObject("medium", slack.NewTextBlockObject(slack.PlainTextType, "medium", false, false), nil),
		slack.NewOptionBlockObject("low", slack.NewTextBlockObject(slack.PlainTextType, "low", false, false), nil),
	}
	prioritySelect := slack.NewOptionsSelectBlockElement(
		slack.OptTypeStatic,
		slack.NewTextBlockObject(slack.PlainTextType, "Priority", false, false),
		reviewActionPriority,
		priorityOptions...,
	)
	for _, o := range priorityOptions {
		if o.Value == c.Priority {
			prioritySelect.InitialOption = o
			break
		}
	}

	view := slack.ModalViewRequest{
		Type:            slack.VTModal,
		Title:           slack.NewTextBlockObject(slack.PlainTextType, "Review feedback", false, false),
		Close:           slack.NewTextBlockObject(slack.PlainTextType, "Cancel", false, false),
		Submit:          slack.NewTextBlockObject(slack.PlainTextType, "Approve & Create", false, false),
		CallbackID:      modalReviewCallbackID,
		PrivateMetadata: fmt.Sprintf("%s%s|%s", reviewMetaPrefix, c.Key, channelID),
		Blocks: slack.Blocks{BlockSet: []slack.Block{
			slack.NewInputBlock(
				reviewBlockTitle,
				slack.NewTextBlockObject(slack.PlainTextType, "Title", false, false),
				nil,
				titleInput,
			),
			slack.NewInputBlock(
				reviewBlockDescription,
				slack.NewTextBlockObject(slack.PlainTextType, "Description", false, false),
				nil,
				descInput,
			),
			slack.NewInputBlock(
				reviewBlockPriority,
				slack.NewTextBlockObject(slack.PlainTextType, "Priority", false, false),
				nil,
				prioritySelect,
			),
		}},
	}
	if _, err := m.api.OpenView(triggerID, view); err != nil {
		log.Printf("slack review modal error key=%s: %v", c.Key, err)
		return err
	}
	return nil
}

func (m *slackMessenger) ListRecentMessages(channelID, channelName string, oldest time.Time) ([]InboundMessage, error) {
	resp, err := m.api.GetConversationHistory(&slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Oldest:    strconv.FormatFloat(float64(oldest.UnixNano())/1e9, 'f', 6, 64),
		Limit:     200,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching channel history: %w", err)
	}

	var out []InboundMessage
	for _, msg := range resp.Messages {
		out = append(out, InboundMessage{
			ChannelID:        channelID,
			ChannelName:      channelName,
			UserID:           msg.User,
			BotID:            msg.BotID,
			Text:             flattenMessageText(msg.Text, msg.Attachments),
			MessageTS:        msg.Timestamp,
			ThreadTS:         msg.ThreadTimestamp,
			SubType:          msg.SubType,
			AttachmentAuthor: firstAttachmentAuthor(msg.Attachments),
		})
	}
	return out, nil
}

// flattenMessageText folds attachment text (forwarded/shared messages) into
// one blob so the extractor sees everything the humans saw.
func flattenMessageText(text string, attachments []slack.Attachment) string {
	parts := []string{strings.TrimSpace(text)}
	for _, att := range attachments {
		for _, s := range []string{att.Pretext, att.Title, att.Text, att.Fallback} {
			s = strings.TrimSpace(s)
			if s != "" {
				parts = append(parts, s)
				break
			}
		}
	}
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n")
}

func firstAttachmentAuthor(attachments []slack.Attachment) string {
	for _, att := range attachments {
		if att.AuthorName != "" {
			return att.AuthorName
		}
	}
	return ""
}

func truncateText(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
