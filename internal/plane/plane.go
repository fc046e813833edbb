// Package plane wires the control-plane components together from a
// single configuration: inventory pools, allocator, outbox, warming
// scheduler, watchdog, health monitor, and the event/alert sinks.
package plane

import (
	"context"
	"log/slog"
	"time"

	"github.com/sessionbrain/sessionbrain/internal/allocator"
	"github.com/sessionbrain/sessionbrain/internal/audit"
	"github.com/sessionbrain/sessionbrain/internal/config"
	"github.com/sessionbrain/sessionbrain/internal/events"
	"github.com/sessionbrain/sessionbrain/internal/health"
	"github.com/sessionbrain/sessionbrain/internal/inventory"
	"github.com/sessionbrain/sessionbrain/internal/notify"
	"github.com/sessionbrain/sessionbrain/internal/outbox"
	"github.com/sessionbrain/sessionbrain/internal/warming"
	"github.com/sessionbrain/sessionbrain/internal/watchdog"
)

// Plane owns every long-lived component of the control plane.
type Plane struct {
	cfg *config.Config

	Proxies   *inventory.ProxyPool
	Profiles  *inventory.ProfilePool
	Audit     *audit.Store
	Bus       *events.Bus
	Allocator *allocator.Allocator
	Outbox    *outbox.Outbox
	Warming   *warming.Scheduler
	Watchdog  *watchdog.Watchdog
	Health    *health.Monitor

	journal *outbox.Journal
	kafka   *events.KafkaPublisher
}

// logLauncher is the default Launcher when no process manager is
// injected. Worker processes live outside the control plane, so the
// stock daemon only records launch instructions.
type logLauncher struct{}

func (logLauncher) Launch(sessionID string, spec allocator.LaunchSpec) error {
	slog.Info("Launch requested", "session", sessionID, "phone", spec.Phone, "proxy", spec.ProxyID, "profile", spec.ProfileID)
	return nil
}

func (logLauncher) Terminate(sessionID string) error {
	slog.Info("Terminate requested", "session", sessionID)
	return nil
}

// New builds a Plane from cfg. launcher may be nil, in which case
// launch instructions are only logged.
func New(cfg *config.Config, launcher allocator.Launcher) (*Plane, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if launcher == nil {
		launcher = logLauncher{}
	}

	// Reject a broken ramp table before any store is opened.
	table, err := rampTable(cfg.Warming)
	if err != nil {
		return nil, err
	}

	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		return nil, err
	}

	store, err := audit.NewStore(cfg.Paths.AuditDBPath())
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()

	proxies := inventory.NewProxyPool(cfg.Allocator.MaxSessionsPerProxy)
	for _, id := range cfg.Inventory.Proxies {
		proxies.Add(id)
	}
	profiles := inventory.NewProfilePool()
	for _, id := range cfg.Inventory.Profiles {
		profiles.Add(id)
	}

	alloc := allocator.New(allocator.Config{
		MaxSessionsPerPhone:  cfg.Allocator.MaxSessionsPerPhone,
		MaxReconnectAttempts: cfg.Allocator.MaxReconnectAttempts,
		StickyTTL:            cfg.Allocator.StickyTTL,
	}, proxies, profiles, launcher, store, bus)

	journal, err := outbox.OpenJournal(cfg.Paths.OutboxDBPath())
	if err != nil {
		store.Close()
		return nil, err
	}
	ob := outbox.New(cfg.Outbox.StaleClaimThreshold, journal)

	sched := warming.New(warming.Config{
		WarmingMinDays: cfg.Warming.WarmingMinDays,
		HotMinDays:     cfg.Warming.HotMinDays,
		HotMinMessages: cfg.Warming.HotMinMessages,
	}, table)

	monitor := health.New(health.Config{
		WindowSec:            cfg.Health.WindowSec,
		Max429PerWindow:      cfg.Health.Max429PerWindow,
		Max5xxPerWindow:      cfg.Health.Max5xxPerWindow,
		MaxTimeoutsPerWindow: cfg.Health.MaxTimeoutsPerWindow,
		MaxLatencyP95Ms:      cfg.Health.MaxLatencyP95Ms,
		BlockTTL:             cfg.Health.BlockTTL,
	}, alloc, store)

	var notifier watchdog.Notifier
	if cfg.Notify.SlackEnabled && cfg.Notify.SlackToken != "" {
		notifier = notify.NewSlackNotifier(cfg.Notify.SlackToken, cfg.Notify.SlackChannel)
	}

	dog := watchdog.New(watchdog.Config{
		Interval:    cfg.Watchdog.Interval,
		PingTimeout: cfg.Watchdog.PingTimeout,
	}, alloc, proxies, launcher, bus, notifier)

	p := &Plane{
		cfg:       cfg,
		Proxies:   proxies,
		Profiles:  profiles,
		Audit:     store,
		Bus:       bus,
		Allocator: alloc,
		Outbox:    ob,
		Warming:   sched,
		Watchdog:  dog,
		Health:    monitor,
		journal:   journal,
	}

	// Warming tracks session lifetimes through the event stream so the
	// allocator stays unaware of trust grading.
	bus.Subscribe(p.onEvent)

	if cfg.Events.KafkaEnabled && len(cfg.Events.Brokers) > 0 {
		p.kafka = events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic)
		p.kafka.Attach(bus)
	}

	return p, nil
}

func rampTable(cfg config.WarmingConfig) (warming.RampTable, error) {
	if len(cfg.Ramp) == 0 {
		return warming.DefaultRampTable(), nil
	}
	table := warming.RampTable{Days: make([]warming.RampDay, 0, len(cfg.Ramp))}
	for _, e := range cfg.Ramp {
		table.Days = append(table.Days, warming.RampDay{
			MaxMessages: e.MaxMessages,
			MinDelayMs:  e.MinDelayMs,
			MaxDelayMs:  e.MaxDelayMs,
		})
	}
	if cfg.Mature != nil {
		table.Mature = warming.RampDay{
			MaxMessages: cfg.Mature.MaxMessages,
			MinDelayMs:  cfg.Mature.MinDelayMs,
			MaxDelayMs:  cfg.Mature.MaxDelayMs,
		}
	} else {
		table.Mature = table.Days[len(table.Days)-1]
	}
	if err := table.Validate(); err != nil {
		return warming.RampTable{}, err
	}
	return table, nil
}

func (p *Plane) onEvent(ev *events.Event) {
	switch ev.Kind {
	case events.KindAllocated:
		p.Warming.Track(ev.SessionID, ev.Timestamp)
	case events.KindReleased:
		p.Warming.Forget(ev.SessionID)
		p.Outbox.Drop(ev.SessionID)
	}
}

// Run starts the background loops and blocks until ctx is cancelled.
func (p *Plane) Run(ctx context.Context) error {
	go p.Bus.Dispatch(ctx)
	go p.Outbox.Run(ctx, p.cfg.Outbox.ReapInterval)
	go p.Watchdog.Run(ctx)
	go p.gradeLoop(ctx)

	slog.Info("Control plane running",
		"proxies", len(p.cfg.Inventory.Proxies),
		"profiles", len(p.cfg.Inventory.Profiles))
	<-ctx.Done()
	return ctx.Err()
}

// gradeLoop advances trust grades and resets daily counters. The reset
// is keyed by UTC date, so repeated ticks within a day are no-ops.
func (p *Plane) gradeLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			p.Warming.ResetDaily(t.UTC().Format("2006-01-02"))
			p.Warming.EvaluateGrades()
		}
	}
}

// Close releases the stores. Call after Run returns.
func (p *Plane) Close() error {
	if p.kafka != nil {
		p.kafka.Close()
	}
	jerr := p.journal.Close()
	aerr := p.Audit.Close()
	if jerr != nil {
		return jerr
	}
	return aerr
}
