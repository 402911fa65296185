// ABOUTME: _Session writes: client session creation, update restrictions and duplicate cleanup
// ABOUTME: Also mints session tokens for _User signups, logins and password changes

package write

import (
	"context"
	"fmt"

	"github.com/2389/docwrite/internal/apierr"
	"github.com/2389/docwrite/internal/auth"
	"github.com/2389/docwrite/internal/authdata"
	"github.com/2389/docwrite/internal/store"
)

type sessionPolicy struct{ basePolicy }

func (sessionPolicy) identify(ctx context.Context, o *Orchestrator, r *run) error {
	if r.response != nil {
		return nil
	}
	userID := r.caller.UserID()
	if !r.caller.Privileged() && userID == "" {
		return apierr.New(apierr.InvalidSessionToken, "Session token required.")
	}
	if r.data.Has("ACL") {
		return apierr.New(apierr.InvalidKeyName, "Cannot set ACL on a Session.")
	}

	if !r.create() {
		if u, ok := r.data["user"]; ok && !r.caller.IsMaster && store.PointerID(u) != userID {
			return apierr.New(apierr.InvalidKeyName, "Cannot set user on a Session.")
		}
		for _, field := range []string{"installationId", "sessionToken"} {
			if r.data.Has(field) {
				return apierr.Newf(apierr.InvalidKeyName, "Cannot set %s on a Session.", field)
			}
		}
		if !r.caller.IsMaster {
			owner := store.Filter{"user": store.Pointer(store.ClassUser, userID)}
			if _, ok := r.query["user"]; ok {
				r.query = store.Filter{"$and": []store.Filter{r.query, owner}}
			} else {
				r.query["user"] = owner["user"]
			}
		}
		return nil
	}

	if r.caller.Privileged() {
		return nil
	}

	extra := store.Record{}
	for k, v := range r.data {
		if k == "objectId" || k == "user" {
			continue
		}
		extra[k] = v
	}
	session := o.sessionData(userID, map[string]any{"action": "create"}, r.caller.InstallationID)
	for k, v := range extra {
		if !session.Has(k) {
			session[k] = v
		}
	}

	created, err := o.Execute(ctx, &Request{Kind: store.ClassSession, Data: session, Caller: auth.Master()})
	if err != nil {
		o.logger.Error("creating client session", "user", userID, "error", err)
		return apierr.New(apierr.InternalServerError, "Error creating session.")
	}
	body := session.Clone()
	body["objectId"] = created.Body.ObjectID()
	r.response = &Response{Body: body, Status: 201, Location: created.Location}
	return nil
}

// beforePersist removes older sessions of the same user on the same installation.
func (sessionPolicy) beforePersist(ctx context.Context, o *Orchestrator, r *run) error {
	if !r.create() || r.response != nil {
		return nil
	}
	userID := store.PointerID(r.data["user"])
	installationID := r.data.String("installationId")
	if userID == "" || installationID == "" {
		return nil
	}
	filter := store.Filter{
		"user":           store.Pointer(store.ClassUser, userID),
		"installationId": installationID,
		"sessionToken":   map[string]any{"$ne": r.data.String("sessionToken")},
	}
	o.dispatcher.Dispatch(ctx, TaskDestroyDuplicateSessions, func(ctx context.Context) error {
		_, err := o.storage.Destroy(ctx, store.ClassSession, filter, store.WriteOptions{})
		if err != nil && !isNotFound(err) {
			return err
		}
		return nil
	})
	return nil
}

// sessionData builds a new session record for userID.
func (o *Orchestrator) sessionData(userID string, createdWith map[string]any, installationID string) store.Record {
	session := store.Record{
		"sessionToken": newSessionToken(),
		"user":         store.Pointer(store.ClassUser, userID),
		"createdWith":  createdWith,
		"expiresAt":    dateValue(o.now().Add(o.cfg.SessionLength)),
	}
	if installationID != "" {
		session["installationId"] = installationID
	}
	return session
}

// createSessionToken mints a session for the user being written and attaches
// the token to the response.
func (o *Orchestrator) createSessionToken(ctx context.Context, r *run) error {
	if r.caller.InstallationID == auth.CloudInstallationID {
		return nil
	}
	if r.scratch.authProvider == "" {
		if ad, ok := r.data["authData"].(map[string]any); ok && len(ad) > 0 {
			r.scratch.authProvider = authdata.AuthProvider(ad)
		}
	}
	action, provider := "signup", "password"
	if r.scratch.authProvider != "" {
		action, provider = "login", r.scratch.authProvider
	}

	session := o.sessionData(r.objectID(), map[string]any{"action": action, "authProvider": provider}, r.caller.InstallationID)
	if _, err := o.Execute(ctx, &Request{Kind: store.ClassSession, Data: session, Caller: auth.Master()}); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	if r.response != nil && r.response.Body != nil {
		r.response.Body["sessionToken"] = session["sessionToken"]
	}
	o.metrics.SessionIssued(action)
	return nil
}
