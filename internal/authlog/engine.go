package authlog

import (
	"context"
	"sort"
	"time"
)

// Occurrence is a source address with the timestamps of its attempts,
// oldest first.
type Occurrence struct {
	IP         string
	Timestamps []time.Time
}

// Engine answers threshold queries over a fixed set of attempts.
type Engine struct {
	attempts []Attempt
	now      func() time.Time
}

// NewEngine returns an engine over attempts. now defaults to time.Now.
func NewEngine(attempts []Attempt, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{attempts: attempts, now: now}
}

// Len returns the number of attempts the engine holds.
func (e *Engine) Len() int { return len(e.attempts) }

// Search returns the addresses with at least minAttempts attempts in the
// window (now-window, now]. Results are ordered by first attempt, then address.
func (e *Engine) Search(minAttempts int, window time.Duration) []Occurrence {
	if minAttempts < 1 {
		minAttempts = 1
	}
	now := e.now()
	from := now.Add(-window)

	byIP := make(map[string][]time.Time)
	for _, a := range e.attempts {
		if !a.Time.After(from) || a.Time.After(now) {
			continue
		}
		byIP[a.IP] = append(byIP[a.IP], a.Time)
	}

	out := make([]Occurrence, 0, len(byIP))
	for ip, ts := range byIP {
		if len(ts) < minAttempts {
			continue
		}
		sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
		out = append(out, Occurrence{IP: ip, Timestamps: ts})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamps[0].Equal(out[j].Timestamps[0]) {
			return out[i].Timestamps[0].Before(out[j].Timestamps[0])
		}
		return out[i].IP < out[j].IP
	})
	return out
}

// Source produces an engine over a bounded recent window of the log.
type Source interface {
	Window(ctx context.Context, lines int) (*Engine, error)
}

// FileSource reads the window from an auth log file.
type FileSource struct {
	Path   string
	Parser Parser
}

// Verify FileSource implements Source at compile time.
var _ Source = (*FileSource)(nil)

// NewFileSource returns a source over path using the local time zone.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Window reads up to lines recent lines and parses them into an engine.
func (s *FileSource) Window(ctx context.Context, lines int) (*Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := ReadWindow(s.Path, lines)
	if err != nil {
		return nil, err
	}
	return NewEngine(s.Parser.Parse(raw), s.Parser.Now), nil
}
