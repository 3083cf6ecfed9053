package main

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

type gatewayFixture struct {
	gateway *Gateway
	server  *httptest.Server
	store   *FileStore
	msgr    *fakeMessenger
	ext     *fakeExtractor
	sink    *fakeSink
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	ext := &fakeExtractor{byText: map[string]FeedbackJudgment{}}
	msgr := &fakeMessenger{userNames: map[string]string{}}
	sink := &fakeSink{}
	orch, store := newTestOrchestrator(t, ext, msgr, sink)

	gateway := NewGateway(testConfig(), orch)
	server := httptest.NewServer(gateway.Handler())
	t.Cleanup(server.Close)
	return &gatewayFixture{gateway: gateway, server: server, store: store, msgr: msgr, ext: ext, sink: sink}
}

// drain waits for every enqueued task to finish. One-shot per fixture.
func (f *gatewayFixture) drain() {
	f.gateway.Close()
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestGatewayHealthz(t *testing.T) {
	f := newGatewayFixture(t)
	resp, err := http.Get(f.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"ok"`) {
		t.Fatalf("unexpected health body: %s", body)
	}
}

func TestGatewayURLVerificationEchoesChallenge(t *testing.T) {
	f := newGatewayFixture(t)
	resp := postJSON(t, f.server.URL+"/slack/events",
		`{"type":"url_verification","token":"tok","challenge":"c0ffee"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "c0ffee" {
		t.Fatalf("expected challenge echoed verbatim, got %q", body)
	}
}

func TestGatewayEventsBadBodyRejected(t *testing.T) {
	f := newGatewayFixture(t)
	resp := postJSON(t, f.server.URL+"/slack/events", "not json at all")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func messageEventBody(channel, user, text, ts string) string {
	return fmt.Sprintf(`{
		"type": "event_callback",
		"token": "tok",
		"event": {
			"type": "message",
			"channel": %q,
			"user": %q,
			"text": %q,
			"ts": %q
		}
	}`, channel, user, text, ts)
}

func TestGatewayMessageEventIngested(t *testing.T) {
	f := newGatewayFixture(t)
	f.ext.byText["Search is broken on mobile"] = FeedbackJudgment{
		IsFeedback: true, Category: "bug", Title: "Mobile search broken", Priority: "high", Confidence: 85,
	}

	resp := postJSON(t, f.server.URL+"/slack/events",
		messageEventBody("C_INTAKE", "U1", "Search is broken on mobile", "111.222"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 ack, got %d", resp.StatusCode)
	}
	f.drain()

	if f.msgr.promptCount() != 1 {
		t.Fatalf("expected one approval prompt, got %d", f.msgr.promptCount())
	}
	if _, ok := f.store.Get(candidateKey("111.222")); !ok {
		t.Fatalf("expected candidate registered")
	}
}

func TestGatewayMessageEventWrongChannelIgnored(t *testing.T) {
	f := newGatewayFixture(t)
	resp := postJSON(t, f.server.URL+"/slack/events",
		messageEventBody("C_RANDOM", "U1", "hello", "222.333"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 ack even for ignored events, got %d", resp.StatusCode)
	}
	f.drain()

	if f.ext.calls != 0 {
		t.Fatalf("off-channel message reached the extractor")
	}
}

func TestGatewayAckPrecedesQueueBackpressure(t *testing.T) {
	ext := &fakeExtractor{}
	msgr := &fakeMessenger{userNames: map[string]string{}}
	orch, store := newTestOrchestrator(t, ext, msgr, &fakeSink{})

	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.Workers = 1
	gateway := NewGateway(cfg, orch)
	server := httptest.NewServer(gateway.Handler())
	t.Cleanup(server.Close)

	// Park the only worker and fill the queue so the handler's enqueue blocks.
	started := make(chan struct{})
	release := make(chan struct{})
	gateway.enqueue("park", func() error { close(started); <-release; return nil })
	<-started
	gateway.enqueue("fill", func() error { return nil })

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Post(server.URL+"/slack/events", "application/json",
		strings.NewReader(messageEventBody("C_INTAKE", "U1", "hello there", "500.001")))
	if err != nil {
		t.Fatalf("ack not received while queue full: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 ack, got %d", resp.StatusCode)
	}

	// The parked work still runs once the queue drains.
	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for !store.IsProcessed("500.001") {
		if time.Now().After(deadline) {
			t.Fatalf("queued ingest never ran after drain")
		}
		time.Sleep(10 * time.Millisecond)
	}
	gateway.Close()
}

func TestGatewayPollModeDropsPushEvents(t *testing.T) {
	ext := &fakeExtractor{}
	msgr := &fakeMessenger{userNames: map[string]string{}}
	orch, _ := newTestOrchestrator(t, ext, msgr, &fakeSink{})

	cfg := testConfig()
	cfg.PollSchedule = "*/5 * * * *"
	gateway := NewGateway(cfg, orch)
	server := httptest.NewServer(gateway.Handler())
	t.Cleanup(server.Close)

	resp := postJSON(t, server.URL+"/slack/events",
		messageEventBody("C_INTAKE", "U1", "Export fails", "400.001"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 ack, got %d", resp.StatusCode)
	}
	gateway.Close()

	if ext.calls != 0 {
		t.Fatalf("poll mode must not ingest push events")
	}
}

func blockActionPayload(actionID, value string) string {
	return fmt.Sprintf(`{
		"type": "block_actions",
		"trigger_id": "trig-1",
		"user": {"id": "U9"},
		"channel": {"id": "C_TRIAGE"},
		"actions": [{"action_id": %q, "block_id": "feedback_actions", "value": %q, "type": "button"}]
	}`, actionID, value)
}

func TestGatewayInteractionFormEncoded(t *testing.T) {
	f := newGatewayFixture(t)
	registerPending(t, f.store, "fb-300.001", "Export fails")

	form := url.Values{"payload": {blockActionPayload(actionApprove, "fb-300.001")}}
	resp, err := http.Post(f.server.URL+"/slack/interactions",
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("POST interactions failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 ack, got %d", resp.StatusCode)
	}
	f.drain()

	if f.sink.createdCount() != 1 {
		t.Fatalf("expected approve click to create a task, created=%d", f.sink.createdCount())
	}
	if _, ok := f.store.Get("fb-300.001"); ok {
		t.Fatalf("expected candidate removed after approval")
	}
}

func TestGatewayInteractionRawJSON(t *testing.T) {
	f := newGatewayFixture(t)
	registerPending(t, f.store, "fb-300.002", "Not feedback after all")

	resp := postJSON(t, f.server.URL+"/slack/interactions",
		blockActionPayload(actionReject, "fb-300.002"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 ack, got %d", resp.StatusCode)
	}
	f.drain()

	c, ok := f.store.Get("fb-300.002")
	if !ok || c.State != StateRejected {
		t.Fatalf("expected rejected candidate, ok=%v state=%s", ok, c.State)
	}
	if f.sink.createdCount() != 0 {
		t.Fatalf("reject must not create a task")
	}
}

func TestGatewayInteractionAssign(t *testing.T) {
	f := newGatewayFixture(t)
	f.msgr.userNames["U9"] = "Sam Okafor"

	resp := postJSON(t, f.server.URL+"/slack/interactions",
		blockActionPayload(actionAssign, "task-42"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 ack, got %d", resp.StatusCode)
	}
	f.drain()

	if f.sink.assigned["task-42"] != "Sam Okafor" {
		t.Fatalf("expected assignment for task-42, got %v", f.sink.assigned)
	}
}

func TestGatewayInteractionBadPayloadRejected(t *testing.T) {
	f := newGatewayFixture(t)
	resp, err := http.Post(f.server.URL+"/slack/interactions",
		"application/x-www-form-urlencoded", strings.NewReader("payload="))
	if err != nil {
		t.Fatalf("POST interactions failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty payload, got %d", resp.StatusCode)
	}
}

func viewSubmissionPayload(key, channelID, title, description, priority string) string {
	return fmt.Sprintf(`{
		"type": "view_submission",
		"user": {"id": "U9"},
		"view": {
			"callback_id": "feedback_review_modal",
			"private_metadata": "candidate:%s|%s",
			"state": {
				"values": {
					"review_title": {"title_input": {"type": "plain_text_input", "value": %q}},
					"review_description": {"description_input": {"type": "plain_text_input", "value": %q}},
					"review_priority": {"priority_input": {"type": "static_select", "selected_option": {"value": %q}}}
				}
			}
		}
	}`, key, channelID, title, description, priority)
}

func TestGatewayViewSubmissionApprovesWithOverrides(t *testing.T) {
	f := newGatewayFixture(t)
	registerPending(t, f.store, "fb-300.003", "Rough title")

	resp := postJSON(t, f.server.URL+"/slack/interactions",
		viewSubmissionPayload("fb-300.003", "C_TRIAGE", "Polished title", "Edited description", "low"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 ack, got %d", resp.StatusCode)
	}
	f.drain()

	if f.sink.createdCount() != 1 {
		t.Fatalf("expected modal submission to create a task")
	}
	f.sink.mu.Lock()
	created := f.sink.created[0]
	f.sink.mu.Unlock()
	if created.Title != "Polished title" || created.Description != "Edited description" || created.Priority != "low" {
		t.Fatalf("overrides not applied: %+v", created)
	}
}

func TestGatewayViewSubmissionBadMetadataIgnored(t *testing.T) {
	f := newGatewayFixture(t)
	payload := `{
		"type": "view_submission",
		"view": {"callback_id": "feedback_review_modal", "private_metadata": "bogus"}
	}`
	resp := postJSON(t, f.server.URL+"/slack/interactions", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 ack, got %d", resp.StatusCode)
	}
	f.drain()

	if f.sink.createdCount() != 0 {
		t.Fatalf("malformed metadata must not create a task")
	}
}

func TestExtractInteractionPayload(t *testing.T) {
	raw := `{"type":"block_actions"}`

	got, err := extractInteractionPayload([]byte(raw))
	if err != nil || string(got) != raw {
		t.Fatalf("raw JSON passthrough failed: %q, %v", got, err)
	}

	form := url.Values{"payload": {raw}}.Encode()
	got, err = extractInteractionPayload([]byte(form))
	if err != nil || string(got) != raw {
		t.Fatalf("form decoding failed: %q, %v", got, err)
	}

	if _, err := extractInteractionPayload([]byte("payload=")); err == nil {
		t.Fatalf("expected error for empty payload field")
	}
}
