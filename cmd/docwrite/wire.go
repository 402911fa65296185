// ABOUTME: Builds the write pipeline and its collaborators from configuration
// ABOUTME: Translates JSON write requests into pipeline calls and responses back into JSON

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/docwrite/internal/apierr"
	"github.com/2389/docwrite/internal/auth"
	"github.com/2389/docwrite/internal/cache"
	"github.com/2389/docwrite/internal/config"
	"github.com/2389/docwrite/internal/files"
	"github.com/2389/docwrite/internal/hooks"
	"github.com/2389/docwrite/internal/livequery"
	"github.com/2389/docwrite/internal/mail"
	"github.com/2389/docwrite/internal/metrics"
	"github.com/2389/docwrite/internal/password"
	"github.com/2389/docwrite/internal/store"
	"github.com/2389/docwrite/internal/write"
)

// wireRequest is one write as read from stdin.
type wireRequest struct {
	Kind           string         `json:"kind"`
	Query          map[string]any `json:"query,omitempty"`
	Data           map[string]any `json:"data"`
	SessionToken   string         `json:"sessionToken,omitempty"`
	Master         bool           `json:"master,omitempty"`
	InstallationID string         `json:"installationId,omitempty"`
	ClientSDK      string         `json:"clientSDK,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

// wireResponse is printed for every request.
type wireResponse struct {
	Status   int          `json:"status"`
	Location string       `json:"location,omitempty"`
	Response store.Record `json:"response,omitempty"`
	Error    *wireError   `json:"error,omitempty"`
}

type wireError struct {
	Code    apierr.Code `json:"code"`
	Kind    apierr.Kind `json:"kind"`
	Message string      `json:"error"`
}

// app owns the pipeline and everything it was built from.
type app struct {
	storage      store.Storage
	orchestrator *write.Orchestrator
	sessions     *auth.SessionResolver
	authCache    *cache.AuthCache
	liveQuery    *livequery.Broadcaster
	hooks        *hooks.Registry
	dispatcher   *write.GoDispatcher
	registry     *prometheus.Registry
	logger       *slog.Logger
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	storage, err := openStorage(cfg.Database)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	authCache := cache.NewAuthCache(cfg.Cache.TTL, cfg.Cache.MaxSize, logger)
	liveQuery := livequery.NewBroadcaster(logger)
	hookRegistry := hooks.NewRegistry(logger)
	dispatcher := write.NewGoDispatcher(logger, m)
	verifier := mail.NewVerifier(mail.NewLogSender(logger), cfg.Server.AppName, cfg.Server.PublicServerURL)

	o := write.New(storage, writeConfig(cfg), logger,
		write.WithHooks(hookRegistry),
		write.WithHasher(password.NewBcryptHasher(cfg.PasswordPolicy.HashCost)),
		write.WithCache(authCache),
		write.WithRoles(auth.NewRoleResolver(storage, authCache)),
		write.WithProviders(buildProviders(cfg.Auth)),
		write.WithLiveQuery(liveQuery),
		write.WithVerifier(verifier),
		write.WithFiles(files.NewExpander(cfg.Server.PublicServerURL, cfg.Server.AppName)),
		write.WithDispatcher(dispatcher),
		write.WithMetrics(m),
	)

	return &app{
		storage:      storage,
		orchestrator: o,
		sessions:     auth.NewSessionResolver(storage, authCache),
		authCache:    authCache,
		liveQuery:    liveQuery,
		hooks:        hookRegistry,
		dispatcher:   dispatcher,
		registry:     registry,
		logger:       logger.With("component", "cli"),
	}, nil
}

func openStorage(cfg config.DatabaseConfig) (store.Storage, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func writeConfig(cfg *config.Config) write.Config {
	return write.Config{
		AppName:                         cfg.Server.AppName,
		ServerURL:                       cfg.Server.ServerURL,
		AllowClientClassCreation:        cfg.Writes.AllowClientClassCreation,
		AllowCustomObjectID:             cfg.Writes.AllowCustomObjectID,
		EnforcePrivateUsers:             cfg.Writes.EnforcePrivateUsers,
		RevokeSessionOnPasswordReset:    cfg.Writes.RevokeSessionOnPasswordReset,
		VerifyUserEmails:                cfg.Writes.VerifyUserEmails,
		PreventLoginWithUnverifiedEmail: cfg.Writes.PreventLoginWithUnverifiedEmail,
		SessionLength:                   cfg.Writes.SessionLength,
		EmailVerifyTokenValidity:        cfg.Writes.EmailVerifyTokenValidity,
		PasswordPolicy:                  passwordPolicy(cfg.PasswordPolicy),
	}
}

// passwordPolicy returns nil for an empty policy section.
func passwordPolicy(pc config.PasswordPolicyConfig) *password.Policy {
	if pc.ValidatorPattern == "" && pc.ValidationError == "" && !pc.DoNotAllowUsername &&
		pc.MaxPasswordHistory == 0 && pc.MaxPasswordAge == 0 && pc.ResetTokenValidity == 0 {
		return nil
	}
	p := &password.Policy{
		ValidationError:    pc.ValidationError,
		DoNotAllowUsername: pc.DoNotAllowUsername,
		MaxPasswordAge:     pc.MaxPasswordAge,
		MaxPasswordHistory: pc.MaxPasswordHistory,
		ResetTokenValidity: pc.ResetTokenValidity,
	}
	if pc.ValidatorPattern != "" {
		// Compiled once already by config validation.
		p.Pattern = regexp.MustCompile(pc.ValidatorPattern)
	}
	return p
}

func buildProviders(cfg config.AuthConfig) *auth.Providers {
	providers := auth.NewProviders()
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pc := cfg.Providers[name]
		if pc.Type == "jwt" {
			providers.Register(name, auth.NewJWTProvider([]byte(pc.Secret), pc.Audience))
		}
		if !pc.IsEnabled() {
			providers.Disable(name)
		}
	}
	return providers
}

// caller resolves who a request runs as.
func (a *app) caller(ctx context.Context, req *wireRequest) (*auth.Caller, error) {
	switch {
	case req.Master:
		c := auth.Master()
		c.InstallationID = req.InstallationID
		return c, nil
	case req.SessionToken != "":
		return a.sessions.ForSessionToken(ctx, req.SessionToken, req.InstallationID)
	default:
		return auth.Anonymous(req.InstallationID), nil
	}
}

// apply runs one request and never returns nil.
func (a *app) apply(ctx context.Context, req *wireRequest) *wireResponse {
	caller, err := a.caller(ctx, req)
	if err != nil {
		return errorResponse(err)
	}
	data, err := store.DecodeOps(store.Record(req.Data))
	if err != nil {
		return errorResponse(apierr.Newf(apierr.InvalidJSON, "%v", err))
	}

	wreq := &write.Request{
		Kind:      req.Kind,
		Data:      data,
		Caller:    caller,
		ClientSDK: write.ParseClientSDK(req.ClientSDK),
		Context:   req.Context,
	}
	if req.Query != nil {
		wreq.Query = store.Filter(req.Query)
		original, err := a.storage.Find(ctx, req.Kind, wreq.Query, store.FindOptions{Limit: 1})
		if err != nil {
			return errorResponse(fmt.Errorf("loading original: %w", err))
		}
		if len(original) == 1 {
			wreq.Original = original[0]
		}
	}

	resp, err := a.orchestrator.Execute(ctx, wreq)
	if err != nil {
		a.logger.Debug("write rejected", "class", req.Kind, "error", err)
		return errorResponse(err)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &wireResponse{Status: status, Location: resp.Location, Response: resp.Body}
}

func errorResponse(err error) *wireResponse {
	var e *apierr.Error
	if !errors.As(err, &e) {
		e = apierr.New(apierr.InternalServerError, err.Error())
	}
	status := http.StatusBadRequest
	switch e.Kind() {
	case apierr.KindNotFound:
		status = http.StatusNotFound
	case apierr.KindInternal:
		status = http.StatusInternalServerError
	}
	return &wireResponse{
		Status: status,
		Error:  &wireError{Code: e.Code, Kind: e.Kind(), Message: e.Message},
	}
}

// serveMetrics exposes the registry over HTTP until the returned func is called.
func (a *app) serveMetrics(cfg config.MetricsConfig) func() {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", cfg.Addr, "path", cfg.Path)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown", "error", err)
		}
	}
}

// wait blocks until background tasks finish.
func (a *app) wait() {
	a.dispatcher.Wait()
}

// Close waits for background work and releases resources.
func (a *app) Close() error {
	a.wait()
	a.liveQuery.Close()
	a.authCache.Close()
	return a.storage.Close()
}
