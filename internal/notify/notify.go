// Package notify carries user-visible toasts out of the engine. The engine
// emits them; rendering belongs to the UI layer.
package notify

import (
	"sync"

	"github.com/rs/zerolog"
)

// Kind distinguishes informational notices from errors.
type Kind string

const (
	Info  Kind = "info"
	Error Kind = "error"
)

// Notice is one user-visible message.
type Notice struct {
	Kind    Kind
	Message string
}

// Notifier accepts notices for display.
type Notifier interface {
	Notify(n Notice)
}

// Func adapts a closure to a Notifier.
type Func func(Notice)

func (f Func) Notify(n Notice) { f(n) }

// Infof is a convenience for emitting an info notice.
func Infof(n Notifier, msg string) { n.Notify(Notice{Kind: Info, Message: msg}) }

// Errorf is a convenience for emitting an error notice.
func Errorf(n Notifier, msg string) { n.Notify(Notice{Kind: Error, Message: msg}) }

// Log is a Notifier that writes notices to a logger, used by the CLI where
// no UI exists.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) Notify(n Notice) {
	switch n.Kind {
	case Error:
		l.Logger.Error().Str("notice", string(n.Kind)).Msg(n.Message)
	default:
		l.Logger.Info().Str("notice", string(n.Kind)).Msg(n.Message)
	}
}

// Recorder captures notices for assertions in tests.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

// All returns a copy of every notice seen so far.
func (r *Recorder) All() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}

// Count returns how many notices of the given kind were recorded.
func (r *Recorder) Count(k Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, notice := range r.notices {
		if notice.Kind == k {
			n++
		}
	}
	return n
}

// Last returns the most recent notice, or (Notice{}, false).
func (r *Recorder) Last() (Notice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notices) == 0 {
		return Notice{}, false
	}
	return r.notices[len(r.notices)-1], true
}
