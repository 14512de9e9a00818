package errors

import "fmt"

// QuotaKind names which per-user counter a quota error refers to.
type QuotaKind string

const (
	QuotaSimple   QuotaKind = "simple"
	QuotaAdvanced QuotaKind = "advanced"
)

// QuotaSnapshot is the quota state attached to a QuotaExceededError so
// callers can render it without a second query (§4.6, §7).
type QuotaSnapshot struct {
	Kind QuotaKind
	Used int
	Soft int
	Hard int
}

// ApproachingSoftLimit reports whether Used has crossed Soft but not Hard.
func (s QuotaSnapshot) ApproachingSoftLimit() bool {
	return s.Used >= s.Soft && s.Used < s.Hard
}

// QuotaExceededError is raised by the quota & provider selector (§4.6) when
// neither the platform token nor a project-owned config is usable. Sync and
// schedulers swallow it (the task stays not_started); user-initiated endpoints
// return it (§7).
type QuotaExceededError struct {
	UserID  string
	Snapshot QuotaSnapshot
	Message string
}

func (e *QuotaExceededError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("quota exceeded for user %s (%s: %d/%d)", e.UserID, e.Snapshot.Kind, e.Snapshot.Used, e.Snapshot.Hard)
}

// Category reports the error's taxonomy category, the value *Error carries
// in its Category field.
func (e *QuotaExceededError) Category() Category { return CategoryQuotaExceeded }

// QuotaExceeded constructs a QuotaExceededError, mirroring the typed
// constructors in errors.go (NotFound, Transient, ...) for the one category
// that carries structured payload instead of just a message.
func QuotaExceeded(userID, message string, snapshot QuotaSnapshot) *QuotaExceededError {
	return &QuotaExceededError{UserID: userID, Snapshot: snapshot, Message: message}
}
