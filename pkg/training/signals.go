package training

import "sync/atomic"

// Signals carries the per-job control flags read by the fit loop at every
// step boundary. Writers are the executor's pause/cancel operations; the only
// reader is the step callback of the running fit.
type Signals struct {
	pause  atomic.Bool
	cancel atomic.Bool
}

// RequestPause asks the running fit to stop at the next step boundary and
// leave a checkpoint behind
func (s *Signals) RequestPause() {
	s.pause.Store(true)
}

// RequestCancel asks the running fit to stop at the next step boundary
func (s *Signals) RequestCancel() {
	s.cancel.Store(true)
}

// PauseRequested reports whether a pause is pending
func (s *Signals) PauseRequested() bool {
	return s.pause.Load()
}

// CancelRequested reports whether a cancel is pending
func (s *Signals) CancelRequested() bool {
	return s.cancel.Load()
}

// ClearPause drops a pending pause, used when a paused job is resumed
func (s *Signals) ClearPause() {
	s.pause.Store(false)
}
