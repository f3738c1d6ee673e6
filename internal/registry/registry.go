// Package registry persists the four ordered IP record lists that drive the
// ban lifecycle: ban, reallow, wait and to-send.
package registry

import (
	"errors"
	"fmt"
	"time"
)

// Name identifies one registry.
type Name string

const (
	// Ban holds addresses whose DROP rule must be installed this cycle.
	Ban Name = "ban"
	// Reallow holds blocked addresses that are unblocked next cycle unless they retry.
	Reallow Name = "reallow"
	// Wait holds addresses deferred one full cycle before becoming reallow candidates.
	Wait Name = "wait"
	// ToSend holds attacker records awaiting acknowledgement by the supervisor.
	ToSend Name = "to-send"
)

var (
	// ErrNotFound is returned when an address or record is not in a registry.
	ErrNotFound = errors.New("address not found in registry")
	// ErrIndexOutOfRange is returned by index-based deletes past the end.
	ErrIndexOutOfRange = errors.New("registry index out of range")
	// ErrAlreadyHomed is returned when an address would live in two
	// lifecycle registries at once.
	ErrAlreadyHomed = errors.New("address already lives in another lifecycle registry")
	// ErrUnknownRegistry is returned for a name outside Names.
	ErrUnknownRegistry = errors.New("unknown registry")
	// ErrBackendClosed is returned after Close.
	ErrBackendClosed = errors.New("registry backend is closed")

	errEmptyIP = errors.New("record has no address")
)

// Names returns all registries in display order.
func Names() []Name {
	return []Name{Ban, Reallow, Wait, ToSend}
}

// lifecycleNames are the registries an address may live in at most one of.
var lifecycleNames = []Name{Ban, Reallow, Wait}

// ParseName validates a registry name.
func ParseName(s string) (Name, error) {
	for _, n := range Names() {
		if string(n) == s {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRegistry, s)
}

func (n Name) valid() bool {
	_, err := ParseName(string(n))
	return err == nil
}

func (n Name) lifecycle() bool {
	for _, l := range lifecycleNames {
		if n == l {
			return true
		}
	}
	return false
}

// Record is one address with its attempt timestamps.
type Record struct {
	IP         string      `json:"ip"`
	Timestamps []time.Time `json:"timestamps,omitempty"`
}

// Backend is the persistence contract for the registries. Order is insertion
// order; DeleteIndex operates on the order returned by Content.
type Backend interface {
	Append(name Name, rec Record) error
	DeleteIndex(name Name, index int) error
	// DeleteIP removes every record of ip. Returns ErrNotFound if there were none.
	DeleteIP(name Name, ip string) error
	Contains(name Name, ip string) (bool, error)
	Content(name Name) ([]Record, error)
	Clear(name Name) error
	Close() error
}

func checkRecord(name Name, rec Record) error {
	if !name.valid() {
		return fmt.Errorf("%w: %q", ErrUnknownRegistry, name)
	}
	if rec.IP == "" {
		return errEmptyIP
	}
	return nil
}

func checkName(name Name) error {
	if !name.valid() {
		return fmt.Errorf("%w: %q", ErrUnknownRegistry, name)
	}
	return nil
}
