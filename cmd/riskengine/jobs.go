package main

import (
	"context"
	"time"

	"trading-riskengine/config"
	"trading-riskengine/internal/markethours"
	"trading-riskengine/internal/scheduler"
)

const (
	profileRefreshInterval = 5 * time.Minute
	journalCheckInterval   = time.Minute
	paperQuoteInterval     = 5 * time.Second
)

// jobRunners are the tick functions the scheduler drives. A nil
// PaperQuotes leaves out the paper quote walk.
type jobRunners struct {
	Monitor        func(ctx context.Context) error
	Enforcer       func(ctx context.Context) error
	Entries        func(ctx context.Context) error
	Signals        func(ctx context.Context) error
	DailyReset     func(ctx context.Context) error
	ProfileRefresh func(ctx context.Context) error
	JournalCheck   func(ctx context.Context) error
	PaperQuotes    func(ctx context.Context) error
}

// buildJobs lays out the scheduler jobs. Only signal generation and the
// paper quote walk wait for market hours; protection of open positions
// runs on every tick.
func buildJobs(cfg *config.Config, r jobRunners) []scheduler.Job {
	jobs := []scheduler.Job{
		{Name: "position-monitor", Interval: cfg.MonitorInterval, Run: r.Monitor},
		{Name: "risk-enforcer", Interval: cfg.RiskInterval, Run: r.Enforcer},
		{Name: "entry-confirm", Interval: cfg.MonitorInterval, Run: r.Entries},
		{Name: "signal-generator", Interval: cfg.SignalInterval, Gate: markethours.IsMarketOpen, Run: r.Signals},
		{
			Name:     "daily-reset",
			Interval: cfg.ResetCheckInterval,
			Gate:     scheduler.All(markethours.IsTradingDay, scheduler.DailyAt(9, 15, markethours.IST, time.Hour)),
			Run:      r.DailyReset,
		},
		{Name: "profile-refresh", Interval: profileRefreshInterval, Run: r.ProfileRefresh},
		{Name: "journal-check", Interval: journalCheckInterval, Run: r.JournalCheck},
	}
	if r.PaperQuotes != nil {
		jobs = append(jobs, scheduler.Job{
			Name: "paper-quotes", Interval: paperQuoteInterval, Gate: markethours.IsMarketOpen, Run: r.PaperQuotes,
		})
	}
	return jobs
}
