// Package authdata links third-party identities (authData) to user accounts.
//
// authData maps a provider name to the identity the provider asserts, for
// example {"twitter": {"id": "t1", "access_token": "..."}}. At most one
// account may hold a given provider id. The write pipeline finds the accounts
// holding any supplied identity, asks Decide what the write means (signup,
// login, conflict, no-op) and runs the registered provider validators through
// Linker.Validate.
package authdata
