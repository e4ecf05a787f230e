package killswitch

import (
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

var ErrKillSwitchActive = errors.New("kill switch active: writes are disabled")

// Switch is the process-wide read-only toggle. The zero value is usable and off.
// Reads of the flag are lock-free.
type Switch struct {
	readOnly  atomic.Bool
	changedAt atomic.Int64
	logger    *slog.Logger
}

func New(logger *slog.Logger) *Switch {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Switch{logger: logger}
}

func (s *Switch) IsReadOnly() bool {
	return s.readOnly.Load()
}

// SetReadOnly sets the flag and returns its previous value.
func (s *Switch) SetReadOnly(readOnly bool) bool {
	previous := s.readOnly.Swap(readOnly)
	if previous != readOnly {
		s.changedAt.Store(time.Now().UTC().UnixNano())
		if s.logger != nil {
			s.logger.Warn("kill switch toggled", "read_only", readOnly)
		}
	}
	return previous
}

// ChangedAt reports when the flag last changed value; zero if it never has.
func (s *Switch) ChangedAt() time.Time {
	nanos := s.changedAt.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

// Check returns ErrKillSwitchActive while the switch is engaged.
func (s *Switch) Check() error {
	if s.readOnly.Load() {
		return ErrKillSwitchActive
	}
	return nil
}
