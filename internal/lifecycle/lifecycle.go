// Package lifecycle decides, every detection cycle, which addresses are
// newly banned, which are deferred because they retried while blocked, and
// which are unblocked, and applies those decisions to the registries and the
// packet filter.
//
// Registries:
//
//	ban      blocked this cycle, then moved to reallow
//	reallow  blocked; unblocked next cycle unless the address retries
//	wait     retried while blocked (or was just blocked by command);
//	         moved to reallow after one full cycle
//	to-send  attacker records not yet acknowledged by the supervisor
//
// Firewall commands are fire-and-forget: a failed command is logged and the
// cycle continues. A failed registry mutation aborts the current phase.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/inercia/sshwarden/internal/authlog"
	"github.com/inercia/sshwarden/internal/firewall"
	"github.com/inercia/sshwarden/internal/logging"
	"github.com/inercia/sshwarden/internal/message"
	"github.com/inercia/sshwarden/internal/registry"
)

// Params are the detection tunables for one CHECK_LOG run.
type Params struct {
	// Attempts is the minimum number of attempts that makes an attacker.
	Attempts int
	// Window is the trailing time span attempts are counted in.
	Window time.Duration
	// Lines bounds how many recent log lines are read.
	Lines int
}

// Validate reports the first invalid tunable.
func (p Params) Validate() error {
	switch {
	case p.Attempts < 1:
		return fmt.Errorf("attempts must be at least 1, got %d", p.Attempts)
	case p.Window <= 0:
		return fmt.Errorf("window must be positive, got %s", p.Window)
	case p.Lines <= 0:
		return fmt.Errorf("lines must be positive, got %d", p.Lines)
	}
	return nil
}

// Detection summarises one CheckLog run.
type Detection struct {
	// Attackers met the attempt threshold.
	Attackers []authlog.Occurrence
	// Attempters made at least one attempt.
	Attempters []authlog.Occurrence
	// Deferred were moved from reallow to wait because they retried.
	Deferred []string
	// Banned were added to the ban registry.
	Banned []string
	// Whitelisted attackers were neither queued for banning nor for reporting.
	Whitelisted []string
}

// Manager applies the lifecycle phases. It is driven by a single goroutine.
type Manager struct {
	store  *registry.Store
	source authlog.Source
	fw     firewall.Firewall
	logger *slog.Logger
	now    func() time.Time

	wlMu      sync.RWMutex
	whitelist Whitelist
}

// New returns a manager. logger may be nil.
func New(store *registry.Store, source authlog.Source, fw firewall.Firewall, whitelist Whitelist, logger *slog.Logger) *Manager {
	return &Manager{
		store:     store,
		source:    source,
		fw:        fw,
		whitelist: whitelist,
		logger:    logging.OrDiscard(logger),
		now:       time.Now,
	}
}

// SetWhitelist replaces the whitelist. Safe to call from another goroutine.
func (m *Manager) SetWhitelist(w Whitelist) {
	m.wlMu.Lock()
	m.whitelist = w
	m.wlMu.Unlock()
}

func (m *Manager) whitelisted(ip string) bool {
	m.wlMu.RLock()
	defer m.wlMu.RUnlock()
	return m.whitelist.Contains(ip)
}

// CheckLog reads the log window, defers re-offenders and queues new attackers
// for banning and reporting. The ban registry is cleared first so a stale
// list left by an interrupted cycle is never applied.
func (m *Manager) CheckLog(ctx context.Context, p Params) (Detection, error) {
	var d Detection
	if err := p.Validate(); err != nil {
		return d, err
	}

	engine, err := m.source.Window(ctx, p.Lines)
	if err != nil {
		return d, fmt.Errorf("read auth log window: %w", err)
	}
	d.Attackers = engine.Search(p.Attempts, p.Window)
	d.Attempters = engine.Search(1, p.Window)

	if err := m.store.Clear(registry.Ban); err != nil {
		return d, fmt.Errorf("clear ban registry: %w", err)
	}

	// Deferral must happen before attackers are considered for banning.
	for _, o := range d.Attempters {
		inReallow, err := m.store.Contains(registry.Reallow, o.IP)
		if err != nil {
			return d, err
		}
		if !inReallow {
			continue
		}
		if err := m.store.Move(o.IP, registry.Reallow, registry.Wait); err != nil {
			return d, fmt.Errorf("defer %s: %w", o.IP, err)
		}
		d.Deferred = append(d.Deferred, o.IP)
		m.logger.Info("Blocked address retried, deferring unblock", "ip", o.IP, "attempts", len(o.Timestamps))
	}

	for _, o := range d.Attackers {
		if m.whitelisted(o.IP) {
			d.Whitelisted = append(d.Whitelisted, o.IP)
			m.logger.Info("Ignoring whitelisted attacker", "ip", o.IP, "attempts", len(o.Timestamps))
			continue
		}
		rec := registry.Record{IP: o.IP, Timestamps: o.Timestamps}

		inWait, err := m.store.Contains(registry.Wait, o.IP)
		if err != nil {
			return d, err
		}
		if !inWait {
			if err := m.store.Append(registry.Ban, rec); err != nil {
				return d, fmt.Errorf("queue ban of %s: %w", o.IP, err)
			}
			d.Banned = append(d.Banned, o.IP)
			m.logger.Info("New attacker detected", "ip", o.IP, "attempts", len(o.Timestamps))
		}
		if err := m.store.Append(registry.ToSend, rec); err != nil {
			return d, fmt.Errorf("queue report of %s: %w", o.IP, err)
		}
	}

	m.logger.Debug("Auth log checked",
		"attackers", len(d.Attackers),
		"attempters", len(d.Attempters),
		"deferred", len(d.Deferred),
		"banned", len(d.Banned))
	return d, nil
}

// Reallow unblocks every address in reallow, then promotes every address in
// wait to reallow.
func (m *Manager) Reallow(ctx context.Context) error {
	recs, err := m.store.Content(registry.Reallow)
	if err != nil {
		return err
	}
	// The snapshot is consumed from the head, so index 0 is always recs[i].
	for _, r := range recs {
		if err := m.fw.Unblock(ctx, r.IP); err != nil {
			m.logger.Warn("Unblock failed, removing from registry anyway", "ip", r.IP, "error", err)
		} else {
			m.logger.Info("Address unblocked", "ip", r.IP)
		}
		if err := m.store.DeleteIndex(registry.Reallow, 0); err != nil {
			return fmt.Errorf("remove %s from reallow: %w", r.IP, err)
		}
	}

	waiting, err := m.store.Content(registry.Wait)
	if err != nil {
		return err
	}
	for _, ip := range uniqueIPs(waiting) {
		if err := m.store.Move(ip, registry.Wait, registry.Reallow); err != nil {
			return fmt.Errorf("promote %s to reallow: %w", ip, err)
		}
	}
	return nil
}

// Ban blocks every address in ban and moves it to reallow.
func (m *Manager) Ban(ctx context.Context) error {
	recs, err := m.store.Content(registry.Ban)
	if err != nil {
		return err
	}
	for _, ip := range uniqueIPs(recs) {
		if err := m.fw.Block(ctx, ip); err != nil {
			m.logger.Warn("Block failed", "ip", ip, "error", err)
		} else {
			m.logger.Info("Address blocked", "ip", ip)
		}
		if err := m.store.Move(ip, registry.Ban, registry.Reallow); err != nil {
			return fmt.Errorf("move %s to reallow: %w", ip, err)
		}
	}
	return m.store.Clear(registry.Ban)
}

// PendingReport returns the unacknowledged attacker records, one entry per
// address with de-duplicated, ascending attempt dates.
func (m *Manager) PendingReport() ([]message.Attacker, error) {
	recs, err := m.store.Content(registry.ToSend)
	if err != nil {
		return nil, err
	}
	byIP := make(map[string]map[time.Time]bool)
	var order []string
	for _, r := range recs {
		dates, ok := byIP[r.IP]
		if !ok {
			dates = make(map[time.Time]bool)
			byIP[r.IP] = dates
			order = append(order, r.IP)
		}
		for _, t := range r.Timestamps {
			dates[t.UTC()] = true
		}
	}

	out := make([]message.Attacker, 0, len(order))
	for _, ip := range order {
		a := message.Attacker{IP: ip}
		for t := range byIP[ip] {
			a.Dates = append(a.Dates, t)
		}
		sort.Slice(a.Dates, func(i, j int) bool { return a.Dates[i].Before(a.Dates[j]) })
		out = append(out, a)
	}
	return out, nil
}

// ClearReport drops the pending records after an acknowledged report.
func (m *Manager) ClearReport() error {
	return m.store.Clear(registry.ToSend)
}

// BlockPushed applies a supervisor block command. An address already in
// wait is left alone; one in reallow is deferred like a re-offender; any
// other address is blocked and placed in wait.
func (m *Manager) BlockPushed(ctx context.Context, ips []string) error {
	for _, ip := range ips {
		home, err := m.store.Home(ip)
		if err != nil {
			return err
		}
		switch home {
		case registry.Wait:
			m.logger.Debug("Pushed address already deferred", "ip", ip)
		case registry.Reallow:
			if err := m.store.Move(ip, registry.Reallow, registry.Wait); err != nil {
				return fmt.Errorf("defer pushed %s: %w", ip, err)
			}
			m.logger.Info("Pushed address already blocked, deferring unblock", "ip", ip)
		case registry.Ban:
			m.block(ctx, ip)
			if err := m.store.Move(ip, registry.Ban, registry.Wait); err != nil {
				return fmt.Errorf("defer pushed %s: %w", ip, err)
			}
		default:
			m.block(ctx, ip)
			if err := m.store.Append(registry.Wait, registry.Record{IP: ip, Timestamps: []time.Time{m.now().UTC()}}); err != nil {
				return fmt.Errorf("record pushed %s: %w", ip, err)
			}
		}
	}
	return nil
}

func (m *Manager) block(ctx context.Context, ip string) {
	if err := m.fw.Block(ctx, ip); err != nil {
		m.logger.Warn("Block failed", "ip", ip, "error", err)
		return
	}
	m.logger.Info("Address blocked by supervisor command", "ip", ip)
}

func uniqueIPs(recs []registry.Record) []string {
	seen := make(map[string]bool, len(recs))
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		if !seen[r.IP] {
			seen[r.IP] = true
			out = append(out, r.IP)
		}
	}
	return out
}
