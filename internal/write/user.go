// ABOUTME: _User writes: authData signup/login/linking, password policy, username and email rules
// ABOUTME: Also sets default ACLs and classifies unique-index collisions for accounts

package write

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/2389/docwrite/internal/apierr"
	"github.com/2389/docwrite/internal/authdata"
	"github.com/2389/docwrite/internal/hooks"
	"github.com/2389/docwrite/internal/store"
)

var emailPattern = regexp.MustCompile(`^.+@.+$`)

var errUnsupportedService = apierr.New(apierr.UnsupportedService, "This authentication method is unsupported.")

type userPolicy struct{ basePolicy }

// identify validates signup credentials and resolves authData to a signup,
// a login or a link.
func (userPolicy) identify(ctx context.Context, o *Orchestrator, r *run) error {
	raw, present := r.data["authData"]
	if r.create() && raw == nil {
		if s, _ := r.data["username"].(string); s == "" {
			return apierr.New(apierr.UsernameMissing, "bad or missing username")
		}
		if s, _ := r.data["password"].(string); s == "" {
			return apierr.New(apierr.PasswordMissing, "password is required")
		}
	}
	if !present {
		return nil
	}
	authData, ok := raw.(map[string]any)
	if !ok {
		return errUnsupportedService
	}
	if len(authData) == 0 {
		return nil
	}

	_, hasUsername := r.data["username"].(string)
	_, hasPassword := r.data["password"].(string)
	if authdata.CanHandle(authData) || (hasUsername && hasPassword) || r.caller.IsMaster || r.userID() != "" {
		return o.handleAuthData(ctx, r, authData)
	}
	return errUnsupportedService
}

// findAuthDataUsers returns the accounts holding any identity in authData
// that the caller is allowed to link against.
func (o *Orchestrator) findAuthDataUsers(ctx context.Context, r *run, authData map[string]any) ([]store.Record, error) {
	filter := authdata.FindFilter(authData)
	if filter == nil {
		return nil, nil
	}
	matches, err := o.storage.Find(ctx, store.ClassUser, filter, store.FindOptions{Limit: authdata.LookupLimit})
	if err != nil {
		return nil, fmt.Errorf("finding users by authData: %w", err)
	}
	return authdata.Visible(matches, r.caller), nil
}

func (o *Orchestrator) handleAuthData(ctx context.Context, r *run, authData map[string]any) error {
	matches, err := o.findAuthDataUsers(ctx, r, authData)
	if err != nil {
		return err
	}
	userID := r.userID()
	outcome := authdata.Decide(matches, userID, authData)
	o.logger.Debug("authData resolved", "outcome", outcome.String(), "user", userID)

	switch outcome {
	case authdata.Conflict:
		// A provider rejection is reported ahead of the conflict.
		if _, err := o.linker.Validate(ctx, authData, matches[0]); err != nil {
			return err
		}
		return authdata.AlreadyLinked()
	case authdata.Unchanged:
		delete(r.data, "authData")
		return nil
	case authdata.Signup:
		user := r.caller.User
		if user == nil {
			user = r.original
		}
		res, err := o.linker.Validate(ctx, authData, user)
		if err != nil {
			return err
		}
		r.data["authData"] = res.AuthData
		r.addAuthDataResponse(res.Response)
		return nil
	}

	match := matches[0].Clone()
	stored := authdata.StoredAuthData(match)
	r.scratch.authProvider = authdata.AuthProvider(authData)
	mutated := authdata.Mutated(authData, stored)
	isLogin := userID == ""
	isCurrentOrMaster := r.caller.UserID() == match.ObjectID() || r.caller.IsMaster
	if !isLogin && !isCurrentOrMaster {
		return nil
	}

	body := store.Record{}
	for k, v := range match {
		if k == "password" || strings.HasPrefix(k, "_") {
			continue
		}
		body[k] = v
	}
	r.data["objectId"] = match.ObjectID()

	if r.query.ObjectID() == "" {
		r.response = &Response{Body: body, Location: o.location(store.ClassUser, match.ObjectID())}
		if o.hooks.Exists(store.ClassUser, hooks.BeforeLogin) {
			_, err := o.hooks.Run(ctx, hooks.BeforeLogin, &hooks.Request{
				Kind:    store.ClassUser,
				Caller:  r.caller,
				Object:  body.Clone(),
				Context: r.context,
			})
			if err != nil {
				return err
			}
		}
	}
	if len(mutated) == 0 {
		return nil
	}

	toValidate := mutated
	if isLogin {
		toValidate = authData
	}
	res, err := o.linker.Validate(ctx, toValidate, match)
	if err != nil {
		return err
	}
	r.data["authData"] = res.AuthData
	r.addAuthDataResponse(res.Response)

	if r.response == nil {
		return nil
	}
	echoed, _ := r.response.Body["authData"].(map[string]any)
	if echoed == nil {
		echoed = make(map[string]any)
	}
	for k, v := range mutated {
		echoed[k] = v
	}
	r.response.Body["authData"] = echoed

	if len(res.AuthData) == 0 {
		return nil
	}
	merged := mergeAuthData(stored, res.AuthData)
	_, err = o.storage.Update(ctx, store.ClassUser, store.Filter{"objectId": match.ObjectID()},
		store.Record{"authData": merged}, store.WriteOptions{})
	if err != nil {
		return fmt.Errorf("storing refreshed authData: %w", err)
	}
	return nil
}

// mergeAuthData overlays delta on stored, dropping providers set to null.
func mergeAuthData(stored, delta map[string]any) map[string]any {
	merged := make(map[string]any, len(stored)+len(delta))
	for k, v := range stored {
		merged[k] = v
	}
	for k, v := range delta {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged
}

func (r *run) addAuthDataResponse(resp map[string]any) {
	if len(resp) == 0 {
		return
	}
	if r.authDataResponse == nil {
		r.authDataResponse = make(map[string]any, len(resp))
	}
	for k, v := range resp {
		r.authDataResponse[k] = v
	}
}

func (userPolicy) checkRestrictedFields(r *run) error {
	if !r.caller.Privileged() && r.data.Has("emailVerified") {
		return apierr.New(apierr.OperationForbidden, "Clients aren't allowed to manually update email verification.")
	}
	return nil
}

// afterHook checks identity uniqueness against the final data and expires
// password reset tokens when credentials change.
func (userPolicy) afterHook(ctx context.Context, o *Orchestrator, r *run) error {
	if authData, ok := r.data["authData"].(map[string]any); ok && authdata.HasProviderID(authData) {
		matches, err := o.findAuthDataUsers(ctx, r, authData)
		if err != nil {
			return err
		}
		owner := r.userID()
		if owner == "" {
			owner = r.data.ObjectID()
		}
		if err := authdata.CheckUnique(matches, owner); err != nil {
			return err
		}
	}

	if !r.create() && (r.data["password"] != nil || r.data["email"] != nil) {
		r.data["_perishable_token"] = store.DeleteOp()
		r.data["_perishable_token_expires_at"] = store.DeleteOp()
	}
	return nil
}

func (userPolicy) transform(ctx context.Context, o *Orchestrator, r *run) error {
	if r.response != nil {
		return nil
	}
	if !r.create() {
		if err := o.invalidateUserSessions(ctx, r.objectID()); err != nil {
			return err
		}
	}
	if pw, ok := r.data["password"].(string); ok {
		if err := o.setPassword(ctx, r, pw); err != nil {
			return err
		}
	}
	if err := o.checkUsername(ctx, r); err != nil {
		return err
	}
	return o.checkEmail(ctx, r)
}

// invalidateUserSessions drops cached users for every session of userID.
func (o *Orchestrator) invalidateUserSessions(ctx context.Context, userID string) error {
	if o.cache == nil {
		return nil
	}
	sessions, err := o.storage.Find(ctx, store.ClassSession,
		store.Filter{"user": store.Pointer(store.ClassUser, userID)}, store.FindOptions{})
	if err != nil {
		return fmt.Errorf("loading user sessions: %w", err)
	}
	for _, s := range sessions {
		if token := s.String("sessionToken"); token != "" {
			o.cache.InvalidateSessionToken(token)
		}
	}
	return nil
}

// loadUser fetches the account being written, ignoring ACLs.
func (o *Orchestrator) loadUser(ctx context.Context, objectID string, keys ...string) (store.Record, error) {
	if objectID == "" {
		return nil, nil
	}
	users, err := o.storage.Find(ctx, store.ClassUser, store.Filter{"objectId": objectID},
		store.FindOptions{Limit: 1, Keys: keys})
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if len(users) != 1 {
		return nil, nil
	}
	return users[0], nil
}

func (o *Orchestrator) setPassword(ctx context.Context, r *run, pw string) error {
	if !r.create() {
		r.scratch.clearSessions = true
		if !r.caller.Privileged() {
			r.scratch.generateNewSession = true
		}
	}

	policy := o.cfg.PasswordPolicy
	username, _ := r.data["username"].(string)
	if policy.NeedsUsername() && username == "" {
		user, err := o.loadUser(ctx, r.objectID(), "username")
		if err != nil {
			return err
		}
		if user == nil && !r.create() {
			return errObjectMissing
		}
		username = user.String("username")
	}
	if err := policy.CheckRequirements(pw, username); err != nil {
		return err
	}

	if !r.create() && policy.TracksHistory() {
		user, err := o.loadUser(ctx, r.objectID(), "_password_history", "_hashed_password")
		if err != nil {
			return err
		}
		if user == nil {
			return errObjectMissing
		}
		if err := policy.CheckHistory(ctx, o.hasher, pw, user.String("_hashed_password"), stringList(user["_password_history"])); err != nil {
			return err
		}
	}

	hashed, err := o.hasher.Hash(ctx, pw)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	r.data["_hashed_password"] = hashed
	delete(r.data, "password")
	return nil
}

func (o *Orchestrator) checkUsername(ctx context.Context, r *run) error {
	username, _ := r.data["username"].(string)
	if username == "" {
		if r.create() {
			r.data["username"] = randomString(randomNameLength)
			r.scratch.responseShouldHaveUsername = true
		}
		return nil
	}
	taken, err := o.storage.Find(ctx, store.ClassUser,
		store.Filter{"username": username, "objectId": map[string]any{"$ne": r.objectID()}},
		store.FindOptions{Limit: 1, FoldFields: []string{"username"}})
	if err != nil {
		return fmt.Errorf("checking username: %w", err)
	}
	if len(taken) > 0 {
		return errUsernameTaken
	}
	return nil
}

func (o *Orchestrator) checkEmail(ctx context.Context, r *run) error {
	email, ok := r.data["email"].(string)
	if !ok || email == "" {
		return nil
	}
	if !emailPattern.MatchString(email) {
		return apierr.New(apierr.InvalidEmailAddress, "Email address format is invalid.")
	}
	taken, err := o.storage.Find(ctx, store.ClassUser,
		store.Filter{"email": email, "objectId": map[string]any{"$ne": r.objectID()}},
		store.FindOptions{Limit: 1, FoldFields: []string{"email"}})
	if err != nil {
		return fmt.Errorf("checking email: %w", err)
	}
	if len(taken) > 0 {
		return errEmailTaken
	}

	authData, _ := r.data["authData"].(map[string]any)
	if !onlyAnonymous(authData) || !o.cfg.VerifyUserEmails {
		return nil
	}
	r.scratch.sendVerificationEmail = true
	r.data["_email_verify_token"] = randomString(randomNameLength)
	if !r.scratch.changed("emailVerified") {
		r.data["emailVerified"] = false
	}
	if o.cfg.EmailVerifyTokenValidity > 0 {
		r.data["_email_verify_token_expires_at"] = dateValue(o.now().Add(o.cfg.EmailVerifyTokenValidity))
	}
	return nil
}

// onlyAnonymous reports whether authData is empty or holds only the anonymous provider.
func onlyAnonymous(authData map[string]any) bool {
	if len(authData) == 0 {
		return true
	}
	_, anon := authData["anonymous"]
	return len(authData) == 1 && anon
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, s := range t {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func (userPolicy) prepareUpdate(ctx context.Context, o *Orchestrator, r *run) error {
	if r.caller.Unauthenticated() {
		return apierr.Newf(apierr.SessionMissing, "Cannot modify user %s.", r.query.ObjectID())
	}
	if acl, ok := r.data["ACL"].(map[string]any); ok && !r.caller.Privileged() {
		acl = cloneACL(acl)
		acl[r.query.ObjectID()] = map[string]any{"read": true, "write": true}
		r.data["ACL"] = acl
	}
	if delta, ok := r.data["authData"].(map[string]any); ok {
		user, err := o.loadUser(ctx, r.query.ObjectID(), "authData")
		if err != nil {
			return err
		}
		r.data["authData"] = mergeAuthData(authdata.StoredAuthData(user), delta)
	}

	if _, ok := r.data["_hashed_password"]; !ok {
		return nil
	}
	policy := o.cfg.PasswordPolicy
	if policy.TracksAge() {
		r.data["_password_changed_at"] = dateValue(o.now())
	}
	if policy.TracksHistory() {
		user, err := o.loadUser(ctx, r.objectID(), "_password_history", "_hashed_password")
		if err != nil {
			return err
		}
		if user == nil {
			return errObjectMissing
		}
		next := policy.NextHistory(stringList(user["_password_history"]), user.String("_hashed_password"))
		history := make([]any, len(next))
		for i, h := range next {
			history[i] = h
		}
		r.data["_password_history"] = history
	}
	return nil
}

// prepareCreate gives new accounts owner read/write plus public read unless
// users are private.
func (userPolicy) prepareCreate(_ context.Context, o *Orchestrator, r *run) error {
	acl, ok := r.data["ACL"].(map[string]any)
	if ok {
		acl = cloneACL(acl)
	} else {
		acl = make(map[string]any)
		if !o.cfg.EnforcePrivateUsers {
			acl["*"] = map[string]any{"read": true, "write": false}
		}
	}
	acl[r.data.ObjectID()] = map[string]any{"read": true, "write": true}
	r.data["ACL"] = acl

	if o.cfg.PasswordPolicy.TracksAge() {
		r.data["_password_changed_at"] = dateValue(o.now())
	}
	return nil
}

func cloneACL(acl map[string]any) map[string]any {
	out := make(map[string]any, len(acl)+1)
	for k, v := range acl {
		out[k] = v
	}
	return out
}

// duplicateError names the colliding field; when the store does not say
// which one, the username and then the email are looked up.
func (userPolicy) duplicateError(ctx context.Context, o *Orchestrator, r *run, err error) error {
	var dup *store.DuplicateError
	if !errors.As(err, &dup) {
		return err
	}
	if dup.Field == "username" || dup.Field == "email" {
		return translateStorageError(err)
	}
	for _, field := range []string{"username", "email"} {
		v, ok := r.data[field].(string)
		if !ok || v == "" {
			continue
		}
		found, ferr := o.storage.Find(ctx, store.ClassUser,
			store.Filter{field: v, "objectId": map[string]any{"$ne": r.objectID()}}, store.FindOptions{Limit: 1})
		if ferr != nil {
			return fmt.Errorf("classifying duplicate: %w", ferr)
		}
		if len(found) > 0 {
			if field == "username" {
				return errUsernameTaken
			}
			return errEmailTaken
		}
	}
	return duplicateValue()
}

// afterPersist issues a session for signups and authData logins.
func (userPolicy) afterPersist(ctx context.Context, o *Orchestrator, r *run) error {
	_, hasAuthData := r.data["authData"]
	if r.query != nil && !hasAuthData {
		return nil
	}
	if r.caller.UserID() != "" && hasAuthData {
		return nil
	}
	if r.scratch.authProvider == "" && o.cfg.PreventLoginWithUnverifiedEmail && o.cfg.VerifyUserEmails {
		// Unverified signups get no session.
		return nil
	}
	return o.createSessionToken(ctx, r)
}

// finish attaches provider payloads and drops unlinked providers from the response.
func (userPolicy) finish(r *run) {
	if r.response == nil || r.response.Body == nil {
		return
	}
	body := r.response.Body
	if len(r.authDataResponse) > 0 {
		body["authDataResponse"] = r.authDataResponse
	}
	authData, ok := body["authData"].(map[string]any)
	if !ok {
		return
	}
	for k, v := range authData {
		if v == nil {
			delete(authData, k)
		}
	}
	if len(authData) == 0 {
		delete(body, "authData")
	}
}
