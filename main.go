package main

import (
	"log"

	"github.com/slack-go/slack"
)

func main() {
	cfg := LoadConfig()

	store, err := OpenStore(cfg)
	if err != nil {
		log.Fatalf("Error opening store (%s backend, path %s): %v", cfg.StoreBackend, cfg.StorePath, err)
	}
	defer store.Close()

	api := slack.New(cfg.SlackBotToken)
	auth, err := api.AuthTest()
	if err != nil {
		log.Fatalf("Slack auth failed: %v", err)
	}
	log.Printf("Slack connected as %s (team %s)", auth.User, auth.Team)

	sink := NewNotionClient(cfg.NotionAPIKey, cfg.NotionDatabaseID)
	schema, err := sink.DescribeSchema()
	if err != nil {
		log.Fatalf("Notion database check failed: %v", err)
	}
	log.Printf("Notion database reachable (%d properties)", len(schema))

	messenger := NewSlackMessenger(api)
	extractor := NewExtractor(cfg)
	orch := NewOrchestrator(cfg, store, extractor, messenger, sink)

	orch.StartSweepScheduler()

	if cfg.PollSchedule != "" {
		NewPoller(cfg, orch).Start()
		log.Printf("Ingestion trigger: polling (%s)", cfg.PollSchedule)
	} else {
		log.Printf("Ingestion trigger: Slack Events API push")
	}

	gateway := NewGateway(cfg, orch)
	log.Printf("feedbackbot started %s", store.Stats())
	if err := gateway.Run(); err != nil {
		log.Fatalf("HTTP server error: %v", err)
	}
}
