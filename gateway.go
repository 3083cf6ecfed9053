package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

// Gateway terminates inbound Slack webhooks. Every delivery is acknowledged
// within the platform's response budget; the actual work is enqueued onto a
// bounded queue consumed by a fixed worker pool, so a burst of messages can
// never fan out into unbounded concurrent upstream calls. Failures on the
// background path are logged, never surfaced on the already-sent response.
type Gateway struct {
	cfg   Config
	orch  *Orchestrator
	tasks chan workItem
	wg    sync.WaitGroup
}

type workItem struct {
	kind string
	run  func() error
}

func NewGateway(cfg Config, orch *Orchestrator) *Gateway {
	g := &Gateway{
		cfg:   cfg,
		orch:  orch,
		tasks: make(chan workItem, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		g.wg.Add(1)
		go g.worker()
	}
	return g
}

func (g *Gateway) worker() {
	defer g.wg.Done()
	for task := range g.tasks {
		g.runTask(task)
	}
}

// runTask is the dispatch boundary: nothing a task does may escape it.
func (g *Gateway) runTask(task workItem) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker panic kind=%s: %v", task.kind, r)
		}
	}()
	if err := task.run(); err != nil {
		log.Printf("worker error kind=%s: %v", task.kind, err)
	}
}

// enqueue blocks when the queue is full. Callers must have flushed the ack
// first (see ack); backpressure here parks handler goroutines, never the
// acknowledgment.
func (g *Gateway) enqueue(kind string, run func() error) {
	g.tasks <- workItem{kind: kind, run: run}
}

// ack pushes the empty 200 all the way to the client. WriteHeader alone only
// buffers; net/http does not flush until the handler returns, and the enqueue
// that follows may block on a full queue past the platform's response budget.
func ack(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// Close drains the queue and stops the workers. Used by tests.
func (g *Gateway) Close() {
	close(g.tasks)
	g.wg.Wait()
}

func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /slack/events", g.handleEvents)
	mux.HandleFunc("POST /slack/interactions", g.handleInteractions)
	mux.HandleFunc("GET /healthz", g.handleHealthz)
	return mux
}

func (g *Gateway) Run() error {
	log.Printf("Gateway listening on %s", g.cfg.ListenAddr)
	return http.ListenAndServe(g.cfg.ListenAddr, g.Handler())
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

// verifySignature checks the Slack request signature when a signing secret is
// configured. Deployments behind a trusted proxy may leave it unset.
func (g *Gateway) verifySignature(header http.Header, body []byte) error {
	if g.cfg.SlackSigningSecret == "" {
		return nil
	}
	sv, err := slack.NewSecretsVerifier(header, g.cfg.SlackSigningSecret)
	if err != nil {
		return err
	}
	if _, err := sv.Write(body); err != nil {
		return err
	}
	return sv.Ensure()
}

// eventEnvelope re-parses the raw body for fields the typed event structs do
// not carry (message attachments from shares/forwards).
type eventEnvelope struct {
	Event struct {
		Attachments []slack.Attachment `json:"attachments"`
	} `json:"event"`
}

func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if err := g.verifySignature(r.Header, body); err != nil {
		log.Printf("events signature rejected: %v", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		log.Printf("events parse error: %v", err)
		http.Error(w, "parse error", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			http.Error(w, "parse error", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, challenge.Challenge)

	case slackevents.CallbackEvent:
		// Acknowledge first; everything else happens out of band.
		ack(w)

		// Poll mode owns ingestion; push deliveries are acked and dropped.
		if g.cfg.PollSchedule != "" {
			return
		}
		ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
		if !ok {
			return
		}
		var envelope eventEnvelope
		_ = json.Unmarshal(body, &envelope)

		msg := InboundMessage{
			ChannelID:        ev.Channel,
			ChannelName:      g.cfg.FeedbackChannelName,
			UserID:           ev.User,
			BotID:            ev.BotID,
			Text:             flattenMessageText(ev.Text, envelope.Event.Attachments),
			MessageTS:        ev.TimeStamp,
			ThreadTS:         ev.ThreadTimeStamp,
			SubType:          ev.SubType,
			AttachmentAuthor: firstAttachmentAuthor(envelope.Event.Attachments),
		}
		if !g.orch.ShouldIngest(msg) {
			return
		}
		g.enqueue("ingest", func() error {
			return g.orch.IngestMessage(msg)
		})

	default:
		w.WriteHeader(http.StatusOK)
	}
}

// extractInteractionPayload accepts both delivery encodings: the classic
// payload= form field and a raw JSON body.
func extractInteractionPayload(body []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		return []byte(trimmed), nil
	}
	values, err := url.ParseQuery(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parsing form body: %w", err)
	}
	payload := values.Get("payload")
	if payload == "" {
		return nil, fmt.Errorf("missing payload field")
	}
	return []byte(payload), nil
}

func (g *Gateway) handleInteractions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if err := g.verifySignature(r.Header, body); err != nil {
		log.Printf("interactions signature rejected: %v", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	payload, err := extractInteractionPayload(body)
	if err != nil {
		log.Printf("interactions payload error: %v", err)
		http.Error(w, "payload error", http.StatusBadRequest)
		return
	}

	var cb slack.InteractionCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		log.Printf("interactions parse error: %v", err)
		http.Error(w, "parse error", http.StatusBadRequest)
		return
	}

	// Empty 200 closes the interaction; side effects run out of band.
	ack(w)

	switch cb.Type {
	case slack.InteractionTypeBlockActions:
		g.dispatchBlockAction(cb)
	case slack.InteractionTypeViewSubmission:
		g.dispatchViewSubmission(cb)
	}
}

func (g *Gateway) responseChannel(cb slack.InteractionCallback) string {
	if cb.Channel.ID != "" {
		return cb.Channel.ID
	}
	if cb.Container.ChannelID != "" {
		return cb.Container.ChannelID
	}
	return g.cfg.ApprovalChannelID
}

func (g *Gateway) dispatchBlockAction(cb slack.InteractionCallback) {
	if len(cb.ActionCallback.BlockActions) == 0 {
		return
	}
	act := cb.ActionCallback.BlockActions[0]
	value := strings.TrimSpace(act.Value)
	channelID := g.responseChannel(cb)
	userID := cb.User.ID
	triggerID := cb.TriggerID

	log.Printf("interaction action=%s value=%s user=%s", act.ActionID, value, userID)

	switch act.ActionID {
	case actionApprove:
		g.enqueue("approve", func() error {
			return g.orch.HandleApprove(value, channelID, FieldOverrides{})
		})
	case actionReject:
		g.enqueue("reject", func() error {
			return g.orch.HandleReject(value, channelID)
		})
	case actionReview:
		g.enqueue("review", func() error {
			return g.orch.HandleReview(value, triggerID, channelID)
		})
	case actionAssign:
		g.enqueue("assign", func() error {
			return g.orch.HandleAssign(value, userID, channelID)
		})
	default:
		log.Printf("interaction ignored action=%s", act.ActionID)
	}
}

func (g *Gateway) dispatchViewSubmission(cb slack.InteractionCallback) {
	if cb.View.CallbackID != modalReviewCallbackID {
		return
	}
	meta := strings.TrimSpace(cb.View.PrivateMetadata)
	parts := strings.SplitN(meta, "|", 2)
	if len(parts) != 2 || !strings.HasPrefix(parts[0], reviewMetaPrefix) {
		log.Printf("review submission bad metadata %q", meta)
		return
	}
	key := strings.TrimPrefix(parts[0], reviewMetaPrefix)
	channelID := strings.TrimSpace(parts[1])
	if channelID == "" {
		channelID = g.responseChannel(cb)
	}

	if cb.View.State == nil || cb.View.State.Values == nil {
		return
	}
	values := cb.View.State.Values
	overrides := FieldOverrides{
		Title:       strings.TrimSpace(values[reviewBlockTitle][reviewActionTitle].Value),
		Description: strings.TrimSpace(values[reviewBlockDescription][reviewActionDescription].Value),
		Priority:    strings.TrimSpace(values[reviewBlockPriority][reviewActionPriority].SelectedOption.Value),
	}

	g.enqueue("review-approve", func() error {
		return g.orch.HandleApprove(key, channelID, overrides)
	})
}
