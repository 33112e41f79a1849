// Package persisttrigger implements the Persist Trigger external interface
// (SPEC_FULL.md §6): the object the library installs a callback on once,
// which invokes persist_all when the platform signals that power failure
// is imminent.
package persisttrigger

import "errors"

// ErrAlreadyInstalled is returned by Install when a callback is already
// registered and has not been removed with Uninstall. It is a recoverable
// error rather than a panic from inside a constructor.
var ErrAlreadyInstalled = errors.New("persisttrigger: already installed")

// Trigger is implemented once per target platform: a real one arms a
// hardware brown-out or capacitor-voltage interrupt; the desktop trigger
// is a no-op callers invoke manually in tests and benchmarks.
type Trigger interface {
	// Install registers callback to run when persist is imminent. It may
	// be called at most once until Uninstall is called.
	Install(callback func()) error

	// Uninstall removes the callback, allowing a fresh Install.
	Uninstall()

	// SupportsLatencyBenchmark reports whether this trigger can actually
	// fire asynchronously mid-operation, which is what the dirty-size/
	// persist-latency benchmark scenario needs (SPEC_FULL.md §9's open
	// question: the desktop port has no pre-emptive persist source, so
	// worst-case persist latency can only be measured on hardware).
	SupportsLatencyBenchmark() bool
}

// Dummy is the desktop/test Trigger: Install just records the callback so
// a test can invoke Fire manually; it never fires on its own.
type Dummy struct {
	callback func()
}

// NewDummy returns an uninstalled Dummy trigger.
func NewDummy() *Dummy { return &Dummy{} }

// Install records callback for later manual Fire calls.
func (d *Dummy) Install(callback func()) error {
	if d.callback != nil {
		return ErrAlreadyInstalled
	}

	d.callback = callback

	return nil
}

// Uninstall clears the registered callback.
func (d *Dummy) Uninstall() { d.callback = nil }

// SupportsLatencyBenchmark always reports false: Dummy has no real
// interrupt source, so it cannot be used to measure worst-case
// persist-imminent-to-durable latency.
func (d *Dummy) SupportsLatencyBenchmark() bool { return false }

// Fire simulates a persist-imminent interrupt by invoking the installed
// callback synchronously on the caller's goroutine. Tests that want to
// simulate a true concurrent ISR should call Fire from a separate
// goroutine instead.
func (d *Dummy) Fire() {
	if d.callback != nil {
		d.callback()
	}
}
