// Package password hashes passwords and enforces the password policy.
//
// The policy has two independent parts, each optional:
//
//   - Requirements: a pattern and/or predicate on the plaintext, and an optional
//     rule that the password must not contain the username.
//   - History: the new password may not match the current password or any of the
//     retained previous hashes. Comparison is sequential and stops at the first match.
package password
