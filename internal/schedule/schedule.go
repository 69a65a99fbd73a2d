// Package schedule holds the two cyclic worker algorithms: the messenger
// burst cycle and the staggered title rotation.
//
// Both loops run until ctx is cancelled or the executor panics. Every
// suspension goes through a clock.Sleeper.
package schedule

import (
	"strconv"
	"time"

	"rotabot/internal/executor"
	"rotabot/internal/state"
)

// TitleBaseDelay is the per-group interval between title changes before it
// is divided among the group's accounts.
const TitleBaseDelay = 240 * time.Second

// Kind names a worker loop.
type Kind string

const (
	KindMessage Kind = "message"
	KindTitle   Kind = "title"
)

// Kinds lists every worker kind an account runs.
var Kinds = []Kind{KindMessage, KindTitle}

// Counter maps a worker kind to its live gauge.
func (k Kind) Counter() state.Counter {
	if k == KindTitle {
		return state.CounterTitle
	}
	return state.CounterMessage
}

// WorkerSpec is everything one worker loop needs. It is built once per
// (group, account, kind) and passed by value.
type WorkerSpec struct {
	Kind     Kind
	Group    string
	ThreadID string

	// Index is the account's position in its group, 0 <= Index < Total.
	Index int
	Total int

	// Items are messages for KindMessage and titles for KindTitle.
	Items []string
	// Base is the group interval that AccountDelay divides.
	Base time.Duration

	Credential executor.Credential
}

// Name is a stable label for logs and supervisor stats. The index keeps
// it unique when one session_id is listed twice in a group.
func (w WorkerSpec) Name() string {
	return string(w.Kind) + ":" + w.Group + ":" + strconv.Itoa(w.Index) + ":" + w.Credential.Fingerprint()
}

func (w WorkerSpec) AccountDelay() time.Duration { return AccountDelay(w.Base, w.Total) }

func (w WorkerSpec) Stagger() time.Duration { return Stagger(w.Base, w.Total, w.Index) }

// AccountDelay is max(1s, floor(base_seconds / total) seconds).
func AccountDelay(base time.Duration, total int) time.Duration {
	if total < 1 {
		total = 1
	}
	secs := int64(base/time.Second) / int64(total)
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Stagger is the initial wait of the account at index: AccountDelay * index.
func Stagger(base time.Duration, total, index int) time.Duration {
	if index < 0 {
		index = 0
	}
	return AccountDelay(base, total) * time.Duration(index)
}

// Pick returns list[n mod len(list)], or "" for an empty list.
func Pick(list []string, n int) string {
	if len(list) == 0 {
		return ""
	}
	i := n % len(list)
	if i < 0 {
		i += len(list)
	}
	return list[i]
}
