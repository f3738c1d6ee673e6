package registry

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/inercia/sshwarden/internal/logging"
)

// Store wraps a Backend and keeps every address in at most one of the
// lifecycle registries (ban, reallow, wait). The to-send registry is
// independent: an address may be blocked and pending report at once.
//
// Store is not safe for concurrent mutation; the scheduler is its only writer.
type Store struct {
	backend Backend
	logger  *slog.Logger
}

// NewStore returns a Store over backend.
func NewStore(backend Backend, logger *slog.Logger) *Store {
	return &Store{backend: backend, logger: logging.OrDiscard(logger)}
}

// Backend returns the underlying persistence backend.
func (s *Store) Backend() Backend { return s.backend }

// Home returns the lifecycle registry holding ip, or "" if none does.
func (s *Store) Home(ip string) (Name, error) {
	for _, n := range lifecycleNames {
		ok, err := s.backend.Contains(n, ip)
		if err != nil {
			return "", err
		}
		if ok {
			return n, nil
		}
	}
	return "", nil
}

// Append adds rec to name. Appending into a lifecycle registry fails with
// ErrAlreadyHomed when the address already lives in a different one.
// Appending into the registry that already holds it is allowed.
func (s *Store) Append(name Name, rec Record) error {
	if name.lifecycle() {
		home, err := s.Home(rec.IP)
		if err != nil {
			return err
		}
		if home != "" && home != name {
			return fmt.Errorf("%w: %s is in %s, cannot add to %s", ErrAlreadyHomed, rec.IP, home, name)
		}
	}
	if err := s.backend.Append(name, rec); err != nil {
		return err
	}
	s.logger.Debug("Registry append", "registry", string(name), "ip", rec.IP)
	return nil
}

// Move relocates every record of ip from one lifecycle registry to another,
// keeping their timestamps. Returns ErrNotFound if ip is not in from.
func (s *Store) Move(ip string, from, to Name) error {
	if !from.lifecycle() || !to.lifecycle() {
		return fmt.Errorf("move %s: %s -> %s: only lifecycle registries can be moved between", ip, from, to)
	}
	if from == to {
		return nil
	}

	recs, err := s.backend.Content(from)
	if err != nil {
		return err
	}
	var moving []Record
	for _, r := range recs {
		if r.IP == ip {
			moving = append(moving, r)
		}
	}
	if len(moving) == 0 {
		return fmt.Errorf("%w: %s in %s", ErrNotFound, ip, from)
	}

	// Append first so a failure can never lose the address.
	for _, r := range moving {
		if err := s.backend.Append(to, r); err != nil {
			return fmt.Errorf("move %s to %s: %w", ip, to, err)
		}
	}
	if err := s.backend.DeleteIP(from, ip); err != nil {
		if rbErr := s.backend.DeleteIP(to, ip); rbErr != nil && !errors.Is(rbErr, ErrNotFound) {
			s.logger.Error("Registry move rollback failed",
				"ip", ip, "from", string(from), "to", string(to), "error", rbErr)
		}
		return fmt.Errorf("move %s out of %s: %w", ip, from, err)
	}
	s.logger.Debug("Registry move", "ip", ip, "from", string(from), "to", string(to))
	return nil
}

func (s *Store) DeleteIndex(name Name, index int) error {
	return s.backend.DeleteIndex(name, index)
}

func (s *Store) DeleteIP(name Name, ip string) error {
	return s.backend.DeleteIP(name, ip)
}

func (s *Store) Contains(name Name, ip string) (bool, error) {
	return s.backend.Contains(name, ip)
}

func (s *Store) Content(name Name) ([]Record, error) {
	return s.backend.Content(name)
}

func (s *Store) Clear(name Name) error {
	if err := s.backend.Clear(name); err != nil {
		return err
	}
	s.logger.Debug("Registry cleared", "registry", string(name))
	return nil
}

// Snapshot returns the contents of every registry.
func (s *Store) Snapshot() (map[Name][]Record, error) {
	out := make(map[Name][]Record, len(Names()))
	for _, n := range Names() {
		recs, err := s.backend.Content(n)
		if err != nil {
			return nil, err
		}
		out[n] = recs
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// Open returns a Store over the named backend kind ("file" or "sqlite").
func Open(kind, dir, sqlitePath string, logger *slog.Logger) (*Store, error) {
	var (
		b   Backend
		err error
	)
	switch kind {
	case "", "file":
		b, err = OpenFileBackend(dir)
	case "sqlite":
		b, err = OpenSQLiteBackend(sqlitePath)
	default:
		return nil, fmt.Errorf("unknown registry backend %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return NewStore(b, logger), nil
}
