// Package write executes create and update requests against the document store.
//
// # Overview
//
// Orchestrator.Execute runs one Request through a fixed sequence of stages:
// ACL resolution, class-creation checks, the identity rules of the system
// classes (_Installation, _Session, _User authData), the before-save hook,
// schema validation, defaults, the _User transform (password policy, hashing,
// username and email uniqueness), persistence, session token issuance,
// follow-ups (session revocation, regenerated sessions, verification email)
// and the after-save notification.
//
// Any stage may fail the write; the error is returned unchanged. A stage may
// also decide the response early (an authData login, a client session
// create), in which case later stages that build a response are skipped.
//
// # Class policies
//
// The system classes differ from regular classes in a handful of stages.
// Those differences live behind classPolicy, selected once per request by
// specialize.
//
// # Background work
//
// Duplicate-session cleanup, the verification email and the after-save
// notification do not block the response. They go through a Dispatcher:
// GoDispatcher runs them on goroutines with a detached context and logs
// failures; InlineDispatcher runs them synchronously and records them, for
// tests.
package write
