// ABOUTME: Orchestrator runs create and update requests through the ordered write stages
// ABOUTME: Collaborators are injected with functional options; defaults suit a single process

package write

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/docwrite/internal/apierr"
	"github.com/2389/docwrite/internal/auth"
	"github.com/2389/docwrite/internal/authdata"
	"github.com/2389/docwrite/internal/files"
	"github.com/2389/docwrite/internal/hooks"
	"github.com/2389/docwrite/internal/livequery"
	"github.com/2389/docwrite/internal/metrics"
	"github.com/2389/docwrite/internal/password"
	"github.com/2389/docwrite/internal/store"
)

// Config holds the pipeline switches.
type Config struct {
	AppName   string
	ServerURL string

	AllowClientClassCreation        bool
	AllowCustomObjectID             bool
	EnforcePrivateUsers             bool
	RevokeSessionOnPasswordReset    bool
	VerifyUserEmails                bool
	PreventLoginWithUnverifiedEmail bool

	SessionLength            time.Duration
	EmailVerifyTokenValidity time.Duration

	// PasswordPolicy is nil when no policy is configured.
	PasswordPolicy *password.Policy
}

// SessionCache is the cache the pipeline invalidates.
type SessionCache interface {
	InvalidateSessionToken(sessionToken string)
	ClearRoles()
}

// RoleSource resolves the ACL role roots of a user.
type RoleSource interface {
	UserRoles(ctx context.Context, userID string) ([]string, error)
}

// EmailVerifier sends verification emails.
type EmailVerifier interface {
	SendVerification(ctx context.Context, user store.Record) error
}

// Orchestrator executes writes.
type Orchestrator struct {
	storage    store.Storage
	cfg        Config
	hooks      *hooks.Registry
	hasher     password.Hasher
	cache      SessionCache
	roles      RoleSource
	linker     *authdata.Linker
	liveQuery  *livequery.Broadcaster
	verifier   EmailVerifier
	files      *files.Expander
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHooks sets the hook registry.
func WithHooks(h *hooks.Registry) Option { return func(o *Orchestrator) { o.hooks = h } }

// WithHasher sets the password hasher.
func WithHasher(h password.Hasher) Option { return func(o *Orchestrator) { o.hasher = h } }

// WithCache sets the session/role cache.
func WithCache(c SessionCache) Option { return func(o *Orchestrator) { o.cache = c } }

// WithRoles sets the role resolver.
func WithRoles(r RoleSource) Option { return func(o *Orchestrator) { o.roles = r } }

// WithProviders sets the identity provider registry used to validate authData.
func WithProviders(p *auth.Providers) Option {
	return func(o *Orchestrator) { o.linker = authdata.NewLinker(p, o.logger) }
}

// WithLiveQuery sets the live query broadcaster.
func WithLiveQuery(b *livequery.Broadcaster) Option { return func(o *Orchestrator) { o.liveQuery = b } }

// WithVerifier sets the email verifier.
func WithVerifier(v EmailVerifier) Option { return func(o *Orchestrator) { o.verifier = v } }

// WithFiles sets the file URL expander.
func WithFiles(e *files.Expander) Option { return func(o *Orchestrator) { o.files = e } }

// WithDispatcher sets the background task dispatcher.
func WithDispatcher(d Dispatcher) Option { return func(o *Orchestrator) { o.dispatcher = d } }

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// New creates an Orchestrator over storage. Pass nil logger for default.
func New(storage store.Storage, cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		storage: storage,
		cfg:     cfg,
		logger:  logger.With("component", "write"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.hasher == nil {
		o.hasher = password.NewBcryptHasher(0)
	}
	if o.roles == nil {
		o.roles = auth.NewRoleResolver(storage, nil)
	}
	if o.linker == nil {
		o.linker = authdata.NewLinker(auth.NewProviders(), o.logger)
	}
	if o.dispatcher == nil {
		o.dispatcher = NewGoDispatcher(o.logger, o.metrics)
	}
	if o.files == nil {
		o.files = files.NewExpander(cfg.ServerURL, cfg.AppName)
	}
	if o.cfg.SessionLength == 0 {
		o.cfg.SessionLength = 365 * 24 * time.Hour
	}
	return o
}

type stage struct {
	name string
	fn   func(ctx context.Context, r *run) error
}

func (o *Orchestrator) stages() []stage {
	return []stage{
		{"resolveACL", o.resolveACL},
		{"checkClassCreation", o.checkClassCreation},
		{"identify", func(ctx context.Context, r *run) error { return r.policy.identify(ctx, o, r) }},
		{"checkRestrictedFields", func(ctx context.Context, r *run) error { return r.policy.checkRestrictedFields(r) }},
		{"beforeSave", o.runBeforeSave},
		{"afterHook", func(ctx context.Context, r *run) error { return r.policy.afterHook(ctx, o, r) }},
		{"validateSchema", o.validateSchema},
		{"setRequiredFields", o.setRequiredFields},
		{"transform", func(ctx context.Context, r *run) error { return r.policy.transform(ctx, o, r) }},
		{"expandFiles", o.expandFiles},
		{"beforePersist", func(ctx context.Context, r *run) error { return r.policy.beforePersist(ctx, o, r) }},
		{"persist", o.persist},
		{"afterPersist", func(ctx context.Context, r *run) error { return r.policy.afterPersist(ctx, o, r) }},
		{"followups", o.drainFollowups},
		{"afterSave", o.runAfterSave},
		{"finish", func(ctx context.Context, r *run) error { r.policy.finish(r); return nil }},
	}
}

// Execute runs req through every stage and returns the response.
func (o *Orchestrator) Execute(ctx context.Context, req *Request) (resp *Response, err error) {
	start := o.now()
	r, err := o.newRun(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		o.metrics.ObserveWrite(r.kind, r.op(), err, o.now().Sub(start))
	}()

	for _, s := range o.stages() {
		if err := s.fn(ctx, r); err != nil {
			o.logger.Debug("write failed", "class", r.kind, "stage", s.name, "error", err)
			return nil, err
		}
	}
	if r.response == nil {
		return nil, fmt.Errorf("write of %s produced no response", r.kind)
	}
	return r.response, nil
}

func (o *Orchestrator) newRun(req *Request) (*run, error) {
	if req == nil || req.Kind == "" {
		return nil, apierr.New(apierr.InvalidClassName, "Class name is required.")
	}
	caller := req.Caller
	if caller == nil {
		caller = auth.Anonymous("")
	}
	data := req.Data.Clone()
	if data == nil {
		data = store.Record{}
	}

	if req.Query == nil {
		if data.Has("id") {
			return nil, apierr.New(apierr.InvalidKeyName, "id is an invalid field name.")
		}
		if o.cfg.AllowCustomObjectID {
			if data.Has("objectId") && data.ObjectID() == "" {
				return nil, apierr.New(apierr.MissingObjectID, "objectId must not be empty, null or undefined")
			}
		} else if data.Has("objectId") {
			return nil, apierr.New(apierr.InvalidKeyName, "objectId is an invalid field name.")
		}
	}

	r := &run{
		kind:      req.Kind,
		query:     req.Query.Clone(),
		data:      data,
		original:  req.Original.Clone(),
		caller:    caller,
		sdk:       req.ClientSDK,
		context:   req.Context,
		updatedAt: isoTime(o.now()),
	}
	if req.Query == nil {
		r.query = nil
	}
	if r.context == nil {
		r.context = make(map[string]any)
	}
	r.policy = specialize(r.kind)
	return r, nil
}

// resolveACL sets the ACL roots: "*", the user's roles and the user id.
func (o *Orchestrator) resolveACL(ctx context.Context, r *run) error {
	if r.caller.Privileged() {
		return nil
	}
	r.acl = []string{"*"}
	userID := r.caller.UserID()
	if userID == "" {
		return nil
	}
	roles, err := o.roles.UserRoles(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolving roles: %w", err)
	}
	r.acl = append(r.acl, roles...)
	r.acl = append(r.acl, userID)
	return nil
}

// checkClassCreation rejects client writes to classes that do not exist yet.
func (o *Orchestrator) checkClassCreation(ctx context.Context, r *run) error {
	if o.cfg.AllowClientClassCreation || r.caller.Privileged() || store.IsSystemClass(r.kind) {
		return nil
	}
	schema, err := o.storage.LoadSchema(ctx)
	if err != nil {
		return fmt.Errorf("loading schema: %w", err)
	}
	if !schema.HasClass(r.kind) {
		return apierr.Newf(apierr.OperationForbidden,
			"This user is not allowed to access non-existent class: %s", r.kind)
	}
	return nil
}

// runBeforeSave confirms the caller may write at all, then lets the hook
// rewrite the data.
func (o *Orchestrator) runBeforeSave(ctx context.Context, r *run) error {
	if r.response != nil || !o.hooks.Exists(r.kind, hooks.BeforeSave) {
		return nil
	}

	if err := o.checkWritable(ctx, r); err != nil {
		return err
	}

	inflated := store.Apply(r.original, r.data)
	if id := r.objectID(); id != "" {
		inflated["objectId"] = id
	}
	out, err := o.hooks.Run(ctx, hooks.BeforeSave, &hooks.Request{
		Kind:     r.kind,
		Caller:   r.caller,
		Object:   inflated.Clone(),
		Original: r.original.Clone(),
		Context:  r.context,
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	next, changed := hookData(r.data, r.original, inflated, out)
	for _, f := range changed {
		r.scratch.markChanged(f)
	}
	r.data = next
	return nil
}

// checkWritable issues a validate-only write with the caller's ACL.
func (o *Orchestrator) checkWritable(ctx context.Context, r *run) error {
	opts := r.writeOptions()
	opts.ValidateOnly = true
	var (
		result store.Record
		err    error
	)
	if r.create() {
		result, err = o.storage.Create(ctx, r.kind, r.data, opts)
	} else {
		result, err = o.storage.Update(ctx, r.kind, r.query, r.data, opts)
	}
	if err != nil {
		if isNotFound(err) {
			return errObjectMissing
		}
		return translateStorageError(err)
	}
	if result == nil {
		return errObjectMissing
	}
	return nil
}

// serverFields are never taken from a hook's output.
var serverFields = map[string]bool{"objectId": true, "createdAt": true, "updatedAt": true}

// hookData derives the write data from a before-save hook's output: sent
// fields keep their op when the hook left the result alone, fields the hook
// set are written as values and fields it removed become deletes. changed
// lists fields whose final value differs from what the client sent.
func hookData(data, original, inflated, out store.Record) (store.Record, []string) {
	next := store.Record{}
	for k, v := range data {
		nv, ok := out[k]
		switch {
		case serverFields[k]:
			next[k] = v
		case !ok:
			next[k] = store.DeleteOp()
		case store.Equal(nv, inflated[k]):
			next[k] = v
		default:
			next[k] = nv
		}
	}
	for k, v := range out {
		if serverFields[k] || data.Has(k) {
			continue
		}
		if !store.Equal(v, original[k]) {
			next[k] = v
		}
	}
	for k := range original {
		if serverFields[k] || strings.HasPrefix(k, "_") || data.Has(k) || out.Has(k) {
			continue
		}
		next[k] = store.DeleteOp()
	}

	var changed []string
	for k, v := range next {
		if !store.Equal(data[k], v) {
			changed = append(changed, k)
		}
	}
	return next, changed
}

func (o *Orchestrator) validateSchema(ctx context.Context, r *run) error {
	return o.storage.ValidateObject(ctx, r.kind, r.data, r.query, r.writeOptions())
}

// setRequiredFields stamps timestamps and ids and applies schema defaults.
// Running it twice leaves the data unchanged.
func (o *Orchestrator) setRequiredFields(ctx context.Context, r *run) error {
	if r.response != nil {
		return nil
	}
	schema, err := o.storage.LoadSchema(ctx)
	if err != nil {
		return fmt.Errorf("loading schema: %w", err)
	}
	cls := schema.Class(r.kind)

	r.data["updatedAt"] = r.updatedAt
	if !r.create() {
		if cls == nil {
			return nil
		}
		for name := range r.data {
			if err := r.applyDefault(cls, name, false); err != nil {
				return err
			}
		}
		return nil
	}

	r.data["createdAt"] = r.updatedAt
	if r.data.ObjectID() == "" {
		r.data["objectId"] = newObjectID()
	}
	if cls == nil {
		return nil
	}
	for name := range cls.Fields {
		if err := r.applyDefault(cls, name, true); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) applyDefault(cls *store.Class, name string, useDefault bool) error {
	field, ok := cls.Fields[name]
	if !ok {
		return nil
	}
	v, present := r.data[name]
	if present && v != nil && v != "" && !store.IsDelete(v) {
		return nil
	}
	if useDefault && field.DefaultValue != nil && (!present || store.IsDelete(v)) {
		r.data[name] = field.DefaultValue
		r.scratch.markChanged(name)
		return nil
	}
	if field.Required {
		return apierr.Newf(apierr.ValidationError, "%s is required", name)
	}
	return nil
}

// expandFiles attaches file URLs to a response decided before persistence.
func (o *Orchestrator) expandFiles(_ context.Context, r *run) error {
	if r.response != nil && r.response.Body != nil {
		o.files.Expand(map[string]any(r.response.Body))
	}
	return nil
}

// persist writes the data and builds the response.
func (o *Orchestrator) persist(ctx context.Context, r *run) error {
	if r.response != nil {
		return nil
	}
	if r.kind == store.ClassRole && o.cache != nil {
		o.cache.ClearRoles()
	}
	if acl, ok := r.data["ACL"].(map[string]any); ok {
		if _, bad := acl["*unresolved"]; bad {
			return apierr.New(apierr.InvalidACL, "Invalid ACL.")
		}
	}

	if !r.create() {
		if err := r.policy.prepareUpdate(ctx, o, r); err != nil {
			return err
		}
		stored, err := o.storage.Update(ctx, r.kind, r.query, r.data, r.writeOptions())
		if err != nil {
			if isNotFound(err) {
				return errObjectMissing
			}
			return r.policy.duplicateError(ctx, o, r, err)
		}
		body := opResults(r.data, stored)
		body["updatedAt"] = r.updatedAt
		r.response = &Response{Body: r.updateResponse(body)}
		return nil
	}

	if err := r.policy.prepareCreate(ctx, o, r); err != nil {
		return err
	}
	stored, err := o.storage.Create(ctx, r.kind, r.data, r.writeOptions())
	if err != nil {
		return r.policy.duplicateError(ctx, o, r, err)
	}
	body := opResults(r.data, stored)
	body["objectId"] = r.data.ObjectID()
	body["createdAt"] = r.data["createdAt"]
	if r.scratch.responseShouldHaveUsername || r.kind == store.ClassUser {
		if u, ok := r.data["username"]; ok {
			body["username"] = u
		}
	}
	r.response = &Response{
		Body:     r.updateResponse(body),
		Status:   201,
		Location: o.location(r.kind, r.data.ObjectID()),
	}
	return nil
}

// opResults returns the stored values of fields the data changed with an op.
func opResults(data, stored store.Record) store.Record {
	out := store.Record{}
	for k, v := range data {
		if !store.IsOp(v) {
			continue
		}
		if sv, ok := stored[k]; ok {
			out[k] = sv
		}
	}
	return out
}

// readOnlyResponseKeys are kept in responses even when the client sent them.
var readOnlyResponseKeys = map[string][]string{
	store.ClassUser: {"username"},
}

// updateResponse trims the response to fields the client does not already
// know and adds the fields a hook or default changed.
func (r *run) updateResponse(body store.Record) store.Record {
	skip := map[string]bool{}
	for _, k := range readOnlyResponseKeys[r.kind] {
		skip[k] = true
	}
	if r.create() {
		skip["objectId"] = true
		skip["createdAt"] = true
	} else {
		skip["updatedAt"] = true
	}

	for k, v := range body {
		if skip[k] {
			continue
		}
		if v == nil || store.IsPointer(v) || store.Equal(r.data[k], v) || store.Equal(r.original[k], v) {
			delete(body, k)
		}
	}

	supportsDelete := r.sdk.SupportsForwardDelete()
	for _, f := range r.scratch.fieldsChangedByTrigger {
		dataValue, sent := r.data[f]
		if _, ok := body[f]; !ok && sent {
			body[f] = dataValue
		}
		if store.IsOp(body[f]) {
			delete(body, f)
			if supportsDelete && store.IsDelete(dataValue) {
				body[f] = dataValue
			}
		}
	}

	for k := range body {
		if strings.HasPrefix(k, "_") {
			delete(body, k)
		}
	}
	return body
}

// location is the URL of a stored object.
func (o *Orchestrator) location(kind, objectID string) string {
	base := strings.TrimRight(o.cfg.ServerURL, "/")
	if kind == store.ClassUser {
		return base + "/users/" + objectID
	}
	return base + "/classes/" + kind + "/" + objectID
}

// drainFollowups processes scratch flags until none remain; a handler may set another flag.
func (o *Orchestrator) drainFollowups(ctx context.Context, r *run) error {
	for {
		switch {
		case r.scratch.clearSessions:
			r.scratch.clearSessions = false
			if !o.cfg.RevokeSessionOnPasswordReset {
				continue
			}
			_, err := o.storage.Destroy(ctx, store.ClassSession,
				store.Filter{"user": store.Pointer(store.ClassUser, r.objectID())}, store.WriteOptions{})
			if err != nil && !isNotFound(err) {
				return fmt.Errorf("revoking sessions: %w", err)
			}
		case r.scratch.generateNewSession:
			r.scratch.generateNewSession = false
			if err := o.createSessionToken(ctx, r); err != nil {
				return err
			}
		case r.scratch.sendVerificationEmail:
			r.scratch.sendVerificationEmail = false
			o.dispatchVerificationEmail(ctx, r)
		default:
			return nil
		}
	}
}

func (o *Orchestrator) dispatchVerificationEmail(ctx context.Context, r *run) {
	if o.verifier == nil {
		o.logger.Warn("verification email requested but no verifier is configured", "user", r.objectID())
		return
	}
	user := store.Apply(r.original, r.data)
	user["objectId"] = r.objectID()
	o.dispatcher.Dispatch(ctx, TaskVerificationEmail, func(ctx context.Context) error {
		return o.verifier.SendVerification(ctx, user)
	})
}

// runAfterSave notifies the after-save hook and live query subscribers
// without waiting for them.
func (o *Orchestrator) runAfterSave(ctx context.Context, r *run) error {
	if r.response == nil || r.response.Body == nil {
		return nil
	}
	hasHook := o.hooks.Exists(r.kind, hooks.AfterSave)
	hasSubscribers := o.liveQuery.HasSubscribers(r.kind)
	if !hasHook && !hasSubscribers {
		return nil
	}

	original := r.original.Clone()
	updated := store.Apply(r.original, r.data)
	for k, v := range r.response.Body {
		if k == "sessionToken" || store.IsOp(v) {
			continue
		}
		updated[k] = v
	}
	if id := r.objectID(); id != "" {
		updated["objectId"] = id
	}
	// The task runs after the response is returned; it must not share nested
	// values with the response body or the request data.
	updated = updated.Clone()
	kind, caller, hookCtx := r.kind, r.caller, r.context

	o.dispatcher.Dispatch(ctx, TaskAfterSave, func(ctx context.Context) error {
		if hasSubscribers {
			o.liveQuery.Publish(&livequery.Event{Kind: kind, Object: updated.Clone(), Original: original.Clone()})
		}
		if !hasHook {
			return nil
		}
		_, err := o.hooks.Run(ctx, hooks.AfterSave, &hooks.Request{
			Kind:     kind,
			Caller:   caller,
			Object:   updated.Clone(),
			Original: original.Clone(),
			Context:  hookCtx,
		})
		if err != nil {
			o.logger.Warn("afterSave caught an error", "class", kind, "error", err)
		}
		return err
	})
	return nil
}
