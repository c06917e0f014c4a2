// Package hook fans out typed domain events to plugin-supplied handlers.
// Handlers run in registration order and may return a partial payload that
// is shallow-merged into the payload the next handler sees. A handler
// failure is logged against its plugin and never blocks the rest of the
// chain or the emitting caller.
package hook

// The hook vocabulary. Payloads are documented at the emission sites.
const (
	SubmissionCreated       = "submission.created"
	SubmissionStatusChanged = "submission.statusChanged"
	SubmissionUpdated       = "submission.updated"
	SubmissionDeleted       = "submission.deleted"

	UserRegistered  = "user.registered"
	UserRoleChanged = "user.roleChanged"

	ReviewSubmitted    = "review.submitted"
	ReviewAllCompleted = "review.allCompleted"

	EventPublished = "event.published"
	EventCFPOpened = "event.cfpOpened"
	EventCFPClosed = "event.cfpClosed"

	// EmailBeforeSend handlers may mutate the outgoing message payload.
	EmailBeforeSend = "email.beforeSend"
	EmailSent       = "email.sent"
)

var knownHooks = map[string]struct{}{
	SubmissionCreated:       {},
	SubmissionStatusChanged: {},
	SubmissionUpdated:       {},
	SubmissionDeleted:       {},
	UserRegistered:          {},
	UserRoleChanged:         {},
	ReviewSubmitted:         {},
	ReviewAllCompleted:      {},
	EventPublished:          {},
	EventCFPOpened:          {},
	EventCFPClosed:          {},
	EmailBeforeSend:         {},
	EmailSent:               {},
}

// Known reports whether name is part of the hook vocabulary.
func Known(name string) bool {
	_, ok := knownHooks[name]
	return ok
}
