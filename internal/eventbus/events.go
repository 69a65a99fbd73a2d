package eventbus

// Type names a fleet event.
type Type string

const (
	LoginOK         Type = "login.ok"
	LoginFailed     Type = "login.failed"
	LoginGaveUp     Type = "login.gave_up"
	ActionFailed    Type = "action.failed"
	WorkerStarted   Type = "worker.started"
	WorkerRestarted Type = "worker.restarted"
	ConfigReloaded  Type = "config.reloaded"
)

// Common payload keys.
const (
	KeyAccount = "account"
	KeyThread  = "thread"
	KeyKind    = "kind"
	KeyAction  = "action"
	KeyError   = "error"
	KeyAttempt = "attempt"
	KeyWorker  = "worker"
	KeyRunID   = "run_id"
)
