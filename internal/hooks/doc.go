// Package hooks holds the per-class triggers run around writes.
//
// Three phases are supported:
//
//   - BeforeSave: may rewrite the object before it is persisted, or reject the write.
//   - AfterSave: observes the persisted object; failures never reach the client.
//   - BeforeLogin: observes a user logging in through third-party authData.
//
// Handlers receive a mutable view of the object and return an error to abort.
// Errors that are not *apierr.Error are reported to clients as SCRIPT_FAILED.
package hooks
