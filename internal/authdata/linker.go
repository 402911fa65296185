// ABOUTME: Identity linking decisions and provider validation for _User authData
// ABOUTME: Match lookups are built here; the write pipeline performs the queries

package authdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/2389/docwrite/internal/apierr"
	"github.com/2389/docwrite/internal/auth"
	"github.com/2389/docwrite/internal/store"
)

// anonymousProvider never counts as a changed identity.
const anonymousProvider = "anonymous"

// LookupLimit is enough matches to tell "one account" from "ambiguous".
const LookupLimit = 2

// Outcome is what an authData write means given the accounts already holding it.
type Outcome int

const (
	// Signup: no account holds the identities.
	Signup Outcome = iota
	// Login: exactly one account holds them and it is the caller's (or there is no caller).
	Login
	// Conflict: the identities belong to another account.
	Conflict
	// Unchanged: the identities belong to another account but the write does
	// not change them, so authData is dropped from the write.
	Unchanged
)

func (o Outcome) String() string {
	switch o {
	case Signup:
		return "signup"
	case Login:
		return "login"
	case Conflict:
		return "conflict"
	case Unchanged:
		return "unchanged"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

var errAlreadyLinked = apierr.New(apierr.AccountAlreadyLinked, "this auth is already used")

// ProviderNames returns the providers in authData, sorted.
func ProviderNames(authData map[string]any) []string {
	names := make([]string, 0, len(authData))
	for name := range authData {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AuthProvider is the comma-joined provider list recorded on login sessions.
func AuthProvider(authData map[string]any) string {
	return strings.Join(ProviderNames(authData), ",")
}

func providerID(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := m["id"].(string)
	return id
}

// HasProviderID reports whether any provider carries an id.
func HasProviderID(authData map[string]any) bool {
	for _, v := range authData {
		if providerID(v) != "" {
			return true
		}
	}
	return false
}

// CanHandle reports whether authData carries at least one non-empty provider
// payload or unlink (a null provider value). Payloads need not hold an id; the
// provider's validator decides what it accepts.
func CanHandle(authData map[string]any) bool {
	for _, v := range authData {
		if v == nil {
			return true
		}
		if m, ok := v.(map[string]any); ok && len(m) > 0 {
			return true
		}
	}
	return false
}

// FindFilter returns the _User filter matching accounts that hold any of the
// supplied identities, or nil when no provider carries an id.
func FindFilter(authData map[string]any) store.Filter {
	var clauses []store.Filter
	for _, name := range ProviderNames(authData) {
		if id := providerID(authData[name]); id != "" {
			clauses = append(clauses, store.Filter{"authData." + name + ".id": id})
		}
	}
	if len(clauses) == 0 {
		return nil
	}
	return store.Or(clauses...)
}

// Visible drops accounts the caller may not see during linking: for
// non-privileged callers, accounts whose ACL is present but empty.
func Visible(records []store.Record, caller *auth.Caller) []store.Record {
	if caller.Privileged() {
		return records
	}
	out := make([]store.Record, 0, len(records))
	for _, r := range records {
		acl, present := r["ACL"]
		if !present || acl == nil {
			out = append(out, r)
			continue
		}
		if m, ok := acl.(map[string]any); ok && len(m) > 0 {
			out = append(out, r)
		}
	}
	return out
}

// Mutated returns the providers of authData whose value differs from stored.
// The anonymous provider is ignored unless there is no stored authData at all.
func Mutated(authData, stored map[string]any) map[string]any {
	if stored == nil {
		out := make(map[string]any, len(authData))
		for k, v := range authData {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any)
	for name, v := range authData {
		if name == anonymousProvider {
			continue
		}
		if !store.Equal(v, stored[name]) {
			out[name] = v
		}
	}
	return out
}

// StoredAuthData returns the authData map of an account, or nil.
func StoredAuthData(r store.Record) map[string]any {
	m, _ := r["authData"].(map[string]any)
	return m
}

// Decide classifies an authData write. matches are the visible accounts
// holding any supplied identity; userID is the account the write targets or
// the caller's user, "" for anonymous signups and logins.
func Decide(matches []store.Record, userID string, authData map[string]any) Outcome {
	switch {
	case len(matches) == 0:
		return Signup
	case len(matches) > 1:
		return Conflict
	}
	match := matches[0]
	if userID == "" || userID == match.ObjectID() {
		return Login
	}
	if len(Mutated(authData, StoredAuthData(match))) == 0 {
		return Unchanged
	}
	return Conflict
}

// CheckUnique fails when the identities are held by more than one account or
// by an account other than userID.
func CheckUnique(matches []store.Record, userID string) error {
	if len(matches) > 1 {
		return errAlreadyLinked
	}
	if len(matches) == 1 && matches[0].ObjectID() != userID {
		return errAlreadyLinked
	}
	return nil
}

// AlreadyLinked is the error returned for identity conflicts.
func AlreadyLinked() error {
	return errAlreadyLinked
}

// Result is the outcome of provider validation.
type Result struct {
	// AuthData is what should be stored.
	AuthData map[string]any
	// Response carries provider payloads for the client, keyed by provider.
	Response map[string]any
}

// Linker runs provider validators.
type Linker struct {
	providers *auth.Providers
	logger    *slog.Logger
}

// NewLinker creates a Linker. Pass nil logger for default.
func NewLinker(providers *auth.Providers, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{
		providers: providers,
		logger:    logger.With("component", "authdata"),
	}
}

// Validate runs the validator of every provider in authData in sorted order.
// null values pass through so the provider is unlinked. user is the account
// being linked or logged into, nil for signups.
func (l *Linker) Validate(ctx context.Context, authData map[string]any, user store.Record) (*Result, error) {
	res := &Result{AuthData: make(map[string]any), Response: make(map[string]any)}
	for _, name := range ProviderNames(authData) {
		value := authData[name]
		if value == nil {
			res.AuthData[name] = nil
			continue
		}
		validator, ok := l.providers.Validator(name)
		if !ok {
			return nil, apierr.New(apierr.UnsupportedService, "This authentication method is unsupported.")
		}
		data, ok := value.(map[string]any)
		if !ok {
			return nil, apierr.New(apierr.UnsupportedService, "This authentication method is unsupported.")
		}

		vr, err := validator.Validate(ctx, data, user)
		if err != nil {
			var apiErr *apierr.Error
			if errors.As(err, &apiErr) {
				return nil, apiErr
			}
			l.logger.Debug("auth provider rejected identity", "provider", name, "error", err)
			return nil, apierr.Newf(apierr.ScriptFailed, "Auth failed. %v", err)
		}
		switch {
		case vr == nil:
			res.AuthData[name] = value
		case vr.DoNotSave:
		case vr.Save != nil:
			res.AuthData[name] = vr.Save
		default:
			res.AuthData[name] = value
		}
		if vr != nil && vr.Response != nil {
			res.Response[name] = vr.Response
		}
	}
	return res, nil
}
