// ABOUTME: Password policy evaluation: requirement checks and reuse history
// ABOUTME: Errors are VALIDATION_ERROR API errors ready to return to the client

package password

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/2389/docwrite/internal/apierr"
)

const (
	defaultPolicyError   = "Password does not meet the Password Policy requirements."
	containsUsernameError = "Password cannot contain your username."
)

// Policy is the configured password policy. A nil *Policy accepts everything.
type Policy struct {
	// Pattern, when set, must match the password.
	Pattern *regexp.Regexp
	// Predicate, when set, must return true for the password.
	Predicate func(string) bool
	// ValidationError replaces the default requirement failure message.
	ValidationError string
	// DoNotAllowUsername rejects passwords containing the username.
	DoNotAllowUsername bool
	// MaxPasswordAge stamps password changes so expiry can be enforced at login.
	MaxPasswordAge time.Duration
	// MaxPasswordHistory is the number of passwords (current included) that may not be reused.
	MaxPasswordHistory int
	// ResetTokenValidity bounds password-reset token lifetime.
	ResetTokenValidity time.Duration
}

// NeedsUsername reports whether CheckRequirements needs the account's username.
func (p *Policy) NeedsUsername() bool {
	return p != nil && p.DoNotAllowUsername
}

// TracksHistory reports whether password history is enforced.
func (p *Policy) TracksHistory() bool {
	return p != nil && p.MaxPasswordHistory > 0
}

// TracksAge reports whether password changes are timestamped.
func (p *Policy) TracksAge() bool {
	return p != nil && p.MaxPasswordAge > 0
}

// CheckRequirements validates the plaintext password. username is only
// consulted when DoNotAllowUsername is set.
func (p *Policy) CheckRequirements(password, username string) error {
	if p == nil {
		return nil
	}
	if (p.Pattern != nil && !p.Pattern.MatchString(password)) ||
		(p.Predicate != nil && !p.Predicate(password)) {
		msg := p.ValidationError
		if msg == "" {
			msg = defaultPolicyError
		}
		return apierr.New(apierr.ValidationError, msg)
	}
	if p.DoNotAllowUsername && username != "" && strings.Contains(password, username) {
		return apierr.New(apierr.ValidationError, containsUsernameError)
	}
	return nil
}

// CheckHistory rejects password when it matches the current hash or one of the
// first MaxPasswordHistory-1 history hashes. Hashes are compared one at a time
// and the check stops at the first match.
func (p *Policy) CheckHistory(ctx context.Context, h Hasher, password, current string, history []string) error {
	if !p.TracksHistory() {
		return nil
	}
	candidates := take(history, p.MaxPasswordHistory-1)
	if current != "" {
		candidates = append(candidates, current)
	}
	for _, digest := range candidates {
		match, err := h.Compare(ctx, password, digest)
		if err != nil {
			return fmt.Errorf("checking password history: %w", err)
		}
		if match {
			return apierr.Newf(apierr.ValidationError,
				"New password should not be the same as last %d passwords.", p.MaxPasswordHistory)
		}
	}
	return nil
}

// NextHistory returns the history to store after a password change: the
// previous history trimmed from the front to MaxPasswordHistory-2 entries,
// followed by the previous current hash. Together with the new current hash
// at most MaxPasswordHistory hashes are retained, so a limit of one keeps no
// history at all.
func (p *Policy) NextHistory(history []string, previous string) []string {
	if !p.TracksHistory() {
		return nil
	}
	if p.MaxPasswordHistory <= 1 {
		return []string{}
	}
	out := take(history, p.MaxPasswordHistory)
	keep := p.MaxPasswordHistory - 2
	for len(out) > keep {
		out = out[1:]
	}
	if previous != "" {
		out = append(out, previous)
	}
	return out
}

func take(list []string, n int) []string {
	if n <= 0 {
		return []string{}
	}
	if len(list) < n {
		n = len(list)
	}
	return append([]string{}, list[:n]...)
}
