package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/docwrite/internal/apierr"
	"github.com/2389/docwrite/internal/config"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			AppName:         "docwrite",
			ServerURL:       "http://localhost:1337/1",
			PublicServerURL: "http://localhost:1337/1",
		},
		Database: config.DatabaseConfig{Driver: "memory"},
		Writes:   config.WritesConfig{SessionLength: time.Hour},
		Cache:    config.CacheConfig{TTL: time.Minute, MaxSize: 100},
		PasswordPolicy: config.PasswordPolicyConfig{
			HashCost: 4,
		},
	}
	a, err := newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestApplySignupAndUpdate(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	resp := a.apply(ctx, &wireRequest{
		Kind: "_User",
		Data: map[string]any{"username": "alice", "password": "hunter22"},
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, http.StatusCreated, resp.Status)
	id := resp.Response.ObjectID()
	require.NotEmpty(t, id)
	assert.Equal(t, "http://localhost:1337/1/users/"+id, resp.Location)
	token := resp.Response.String("sessionToken")
	require.True(t, strings.HasPrefix(token, "r:"))

	resp = a.apply(ctx, &wireRequest{
		Kind:         "_User",
		Query:        map[string]any{"objectId": id},
		Data:         map[string]any{"nickname": "al"},
		SessionToken: token,
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Contains(t, resp.Response, "updatedAt")
}

func TestApplyDecodesOps(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	resp := a.apply(ctx, &wireRequest{
		Kind:   "Counter",
		Master: true,
		Data:   map[string]any{"n": float64(1)},
	})
	require.Nil(t, resp.Error)
	id := resp.Response.ObjectID()

	resp = a.apply(ctx, &wireRequest{
		Kind:   "Counter",
		Master: true,
		Query:  map[string]any{"objectId": id},
		Data:   map[string]any{"n": map[string]any{"__op": "Increment", "amount": float64(2)}},
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, float64(3), resp.Response["n"])

	resp = a.apply(ctx, &wireRequest{
		Kind:   "Counter",
		Master: true,
		Query:  map[string]any{"objectId": id},
		Data:   map[string]any{"n": map[string]any{"__op": "Explode"}},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, apierr.InvalidJSON, resp.Error.Code)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestApplyRejectsUnknownSessionToken(t *testing.T) {
	a := newTestApp(t)

	resp := a.apply(context.Background(), &wireRequest{
		Kind:         "Item",
		Data:         map[string]any{"title": "x"},
		SessionToken: "r:nope",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, apierr.InvalidSessionToken, resp.Error.Code)
	assert.Equal(t, apierr.KindPermissionDenied, resp.Error.Kind)
}

func TestApplyUpdateOfMissingObject(t *testing.T) {
	a := newTestApp(t)

	resp := a.apply(context.Background(), &wireRequest{
		Kind:   "Item",
		Master: true,
		Query:  map[string]any{"objectId": "nope"},
		Data:   map[string]any{"title": "x"},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, apierr.ObjectNotFound, resp.Error.Code)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestErrorResponseWrapsPlainErrors(t *testing.T) {
	resp := errorResponse(errors.New("disk on fire"))
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, apierr.InternalServerError, resp.Error.Code)
	assert.Equal(t, "disk on fire", resp.Error.Message)
}

func TestPasswordPolicyFromConfig(t *testing.T) {
	assert.Nil(t, passwordPolicy(config.PasswordPolicyConfig{HashCost: 12}))

	p := passwordPolicy(config.PasswordPolicyConfig{
		ValidatorPattern:   `^.{8,}$`,
		MaxPasswordHistory: 3,
	})
	require.NotNil(t, p)
	assert.True(t, p.TracksHistory())
	assert.Error(t, p.CheckRequirements("short", ""))
	assert.NoError(t, p.CheckRequirements("long enough", ""))
}

func TestBuildProviders(t *testing.T) {
	off := false
	providers := buildProviders(config.AuthConfig{Providers: map[string]config.ProviderConfig{
		"acme":      {Type: "jwt", Secret: strings.Repeat("s", 32)},
		"anonymous": {Enabled: &off},
	}})

	_, ok := providers.Validator("acme")
	assert.True(t, ok)
	_, ok = providers.Validator("anonymous")
	assert.False(t, ok)
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo)).
		With("component", "write").
		WithGroup("req")

	logger.Debug("hidden")
	logger.Info("saved", "class", "Item")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "saved")
	assert.Contains(t, out, "component=write")
	assert.Contains(t, out, "req.class=Item")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}
