package authlog

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Attempt is one failed authentication from a source address.
type Attempt struct {
	IP   string
	Time time.Time
}

type lineKind int

const (
	// attemptLine is one failed authentication.
	attemptLine lineKind = iota + 1
	// evidenceLine accompanies failures (PAM, unknown user, preauth close).
	// It counts only for a session that logged no attempt line.
	evidenceLine
)

type failurePattern struct {
	re   *regexp.Regexp
	kind lineKind
}

// failurePatterns capture the sshd PID, a repeat count and the source
// address. Only attempt lines fill the repeat count, since rsyslog may fold
// identical lines into "message repeated N times: [ ... ]".
var failurePatterns = []failurePattern{
	{regexp.MustCompile(`sshd(?:-session)?\[(\d+)\]: (?:message repeated (\d+) times: \[ ?)?Failed \S+ for (?:invalid user )?.*? from (\S+) port \d+`), attemptLine},
	{regexp.MustCompile(`sshd(?:-session)?\[(\d+)\]: ()Invalid user .*? from (\S+)(?: port \d+)?\s*$`), evidenceLine},
	{regexp.MustCompile(`sshd(?:-session)?\[(\d+)\]: ().*authentication failure;.* rhost=(\S+)`), evidenceLine},
	{regexp.MustCompile(`sshd(?:-session)?\[(\d+)\]: ()Connection closed by (?:authenticating|invalid) user \S* ?(\S+) port \d+`), evidenceLine},
	{regexp.MustCompile(`sshd(?:-session)?\[(\d+)\]: ()error: maximum authentication attempts exceeded for .*? from (\S+) port \d+`), evidenceLine},
}

// Parser turns raw log lines into attempts. Classic syslog timestamps carry
// no year, so the year is inferred from Now.
type Parser struct {
	Now      func() time.Time
	Location *time.Location
}

type failureMatch struct {
	session string
	ip      string
	kind    lineKind
	repeat  int
	time    time.Time
}

// Parse extracts attempts from lines, one per failed authentication. sshd
// logs several lines for a single bad password, so lines are grouped by
// session (PID and address): each Failed line is an attempt, and a session
// with none of them counts once if it left any other failure line.
// Lines that are not sshd failures, or whose timestamp or address cannot be
// parsed, are skipped.
func (p Parser) Parse(lines []string) []Attempt {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	ref := now()

	matches := make([]failureMatch, 0, len(lines))
	failed := make(map[string]bool)
	for _, line := range lines {
		fm, ok := matchFailure(line)
		if !ok {
			continue
		}
		ts, ok := parseTimestamp(line, ref, loc)
		if !ok {
			continue
		}
		fm.time = ts
		matches = append(matches, fm)
		if fm.kind == attemptLine {
			failed[fm.session] = true
		}
	}

	var out []Attempt
	counted := make(map[string]bool)
	for _, fm := range matches {
		switch {
		case fm.kind == attemptLine:
			for i := 0; i < fm.repeat; i++ {
				out = append(out, Attempt{IP: fm.ip, Time: fm.time})
			}
		case !failed[fm.session] && !counted[fm.session]:
			counted[fm.session] = true
			out = append(out, Attempt{IP: fm.ip, Time: fm.time})
		}
	}
	return out
}

func matchFailure(line string) (failureMatch, bool) {
	for _, fp := range failurePatterns {
		m := fp.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ip, ok := NormalizeIP(m[3])
		if !ok {
			continue
		}
		repeat := 1
		if m[2] != "" {
			if n, err := strconv.Atoi(m[2]); err == nil && n > 0 {
				repeat = n
			}
		}
		return failureMatch{session: m[1] + "/" + ip, ip: ip, kind: fp.kind, repeat: repeat}, true
	}
	return failureMatch{}, false
}

// NormalizeIP validates an address and returns its canonical text form.
// IPv4-mapped IPv6 addresses are unmapped.
func NormalizeIP(s string) (string, bool) {
	s = strings.Trim(s, "[]")
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}

const syslogLayout = "Jan _2 15:04:05"

// parseTimestamp reads the leading timestamp of a log line: RFC 3339 (as
// written by rsyslog high-precision templates and journald exports) or the
// classic syslog "Mmm dd hh:mm:ss".
func parseTimestamp(line string, ref time.Time, loc *time.Location) (time.Time, bool) {
	if i := strings.IndexByte(line, ' '); i > 0 {
		if t, err := time.Parse(time.RFC3339Nano, line[:i]); err == nil {
			return t, true
		}
	}
	if len(line) < len(syslogLayout) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(syslogLayout, line[:len(syslogLayout)], loc)
	if err != nil {
		return time.Time{}, false
	}
	t = time.Date(ref.In(loc).Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
	// A date far in the future belongs to last year (log read just after New Year).
	if t.After(ref.Add(24 * time.Hour)) {
		t = t.AddDate(-1, 0, 0)
	}
	return t, true
}
