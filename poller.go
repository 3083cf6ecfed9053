package main

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Poller is the pull-based alternative to Events API push: on a cron schedule
// it scans the intake channel's recent history and feeds every eligible
// message through the same ingestion pipeline. The dedup set makes overlap
// between consecutive lookback windows (and between poll and push) harmless.
type Poller struct {
	cfg     Config
	orch    *Orchestrator
	running atomic.Bool
}

func NewPoller(cfg Config, orch *Orchestrator) *Poller {
	return &Poller{cfg: cfg, orch: orch}
}

// RunOnce scans one lookback window. A scan already in flight makes this a
// no-op so a slow LLM can never stack overlapping scans.
func (p *Poller) RunOnce() {
	if !p.running.CompareAndSwap(false, true) {
		log.Printf("poll skipped: previous scan still running")
		return
	}
	defer p.running.Store(false)

	oldest := time.Now().Add(-time.Duration(p.cfg.PollLookbackMinutes) * time.Minute)
	messages, err := p.orch.messenger.ListRecentMessages(
		p.cfg.FeedbackChannelID, p.cfg.FeedbackChannelName, oldest)
	if err != nil {
		log.Printf("poll history error channel=%s: %v", p.cfg.FeedbackChannelID, err)
		return
	}

	ingested := 0
	for _, msg := range messages {
		if !p.orch.ShouldIngest(msg) {
			continue
		}
		if err := p.orch.IngestMessage(msg); err != nil {
			log.Printf("poll ingest error ts=%s: %v", msg.MessageTS, err)
			continue
		}
		ingested++
	}
	log.Printf("poll done channel=%s fetched=%d ingested=%d lookback=%dm",
		p.cfg.FeedbackChannelID, len(messages), ingested, p.cfg.PollLookbackMinutes)
}

// Start runs the scan on the configured cron schedule.
func (p *Poller) Start() {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(p.cfg.PollSchedule)
	if err != nil {
		log.Printf("Invalid poll_schedule '%s': %v — polling disabled", p.cfg.PollSchedule, err)
		return
	}

	log.Printf("Polling scheduled (cron: %s, lookback: %dm)", p.cfg.PollSchedule, p.cfg.PollLookbackMinutes)

	go func() {
		for {
			now := time.Now()
			next := sched.Next(now)
			time.Sleep(next.Sub(now))
			p.RunOnce()
		}
	}()
}
