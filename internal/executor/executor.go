// Package executor defines the boundary between the fleet scheduler and the
// remote platform: log in with a credential, send a message, change a title.
//
// Backends live in subpackages (dryrun, instagram, telegram).
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrAuth is returned (wrapped) by Login when the platform rejects a credential.
var ErrAuth = errors.New("credential rejected")

// Credential is an opaque session token plus an optional display name.
type Credential struct {
	Token string
	Name  string
}

// Fingerprint is the short, log-safe identity of a credential:
// the last six characters of the token.
func (c Credential) Fingerprint() string {
	return Fingerprint(c.Token)
}

// Fingerprint returns the last six characters of token, or "unknown".
func Fingerprint(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return "unknown"
	}
	if len(token) <= 6 {
		return token
	}
	return token[len(token)-6:]
}

// Session is an authenticated handle owned by exactly one worker.
type Session interface {
	// Username is the platform-side display name of the logged-in account.
	Username() string
}

// Executor performs remote actions. A nil error from SendMessage or
// ChangeTitle means confirmed delivery; any error is an *ActionError.
type Executor interface {
	Login(ctx context.Context, cred Credential) (Session, error)
	SendMessage(ctx context.Context, s Session, threadID, text string) error
	ChangeTitle(ctx context.Context, s Session, threadID, title string) error
}

// Action names a remote operation.
type Action string

const (
	ActionSend  Action = "send_message"
	ActionTitle Action = "change_title"
)

// ActionError reports a failed remote action.
type ActionError struct {
	Action   Action
	ThreadID string
	Err      error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Action, e.ThreadID, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Failed wraps err as an *ActionError (nil stays nil).
func Failed(action Action, threadID string, err error) error {
	if err == nil {
		return nil
	}
	var ae *ActionError
	if errors.As(err, &ae) {
		return err
	}
	return &ActionError{Action: action, ThreadID: threadID, Err: err}
}

// ErrWrongSession is returned when a backend receives a Session it did not create.
var ErrWrongSession = errors.New("session does not belong to this executor")
