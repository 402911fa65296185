// ABOUTME: Tests for authData lookup filters, visibility, mutation detection and validation
// ABOUTME: Provider validators are stubbed with auth.ValidatorFunc

package authdata

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/docwrite/internal/apierr"
	"github.com/2389/docwrite/internal/auth"
	"github.com/2389/docwrite/internal/store"
)

func twitter(id string) map[string]any {
	return map[string]any{"id": id}
}

func TestFindFilter(t *testing.T) {
	assert.Nil(t, FindFilter(map[string]any{"twitter": nil}))
	assert.Nil(t, FindFilter(map[string]any{"twitter": map[string]any{"token": "x"}}))

	f := FindFilter(map[string]any{"twitter": twitter("t1"), "github": twitter("g1"), "facebook": nil})
	require.NotNil(t, f)

	assert.True(t, store.Matches(store.Record{"authData": map[string]any{"twitter": twitter("t1")}}, f))
	assert.True(t, store.Matches(store.Record{"authData": map[string]any{"github": twitter("g1")}}, f))
	assert.False(t, store.Matches(store.Record{"authData": map[string]any{"twitter": twitter("t2")}}, f))
}

func TestCanHandleAndProviderHelpers(t *testing.T) {
	assert.True(t, CanHandle(map[string]any{"twitter": twitter("t1")}))
	assert.True(t, CanHandle(map[string]any{"twitter": nil}))
	assert.False(t, CanHandle(map[string]any{"twitter": map[string]any{}}))
	assert.True(t, CanHandle(map[string]any{"custom": map[string]any{"access_token": "abc"}}))
	assert.False(t, CanHandle(map[string]any{"custom": "abc"}))

	assert.True(t, HasProviderID(map[string]any{"a": twitter("x")}))
	assert.False(t, HasProviderID(map[string]any{"a": nil}))

	assert.Equal(t, "github,twitter", AuthProvider(map[string]any{"twitter": 1, "github": 2}))
}

func TestVisible(t *testing.T) {
	records := []store.Record{
		{"objectId": "noacl"},
		{"objectId": "empty", "ACL": map[string]any{}},
		{"objectId": "owned", "ACL": map[string]any{"u1": map[string]any{"read": true}}},
	}

	visible := Visible(records, auth.Anonymous(""))
	ids := make([]string, 0, len(visible))
	for _, r := range visible {
		ids = append(ids, r.ObjectID())
	}
	assert.Equal(t, []string{"noacl", "owned"}, ids)

	assert.Len(t, Visible(records, auth.Master()), 3)
}

func TestMutated(t *testing.T) {
	stored := map[string]any{"twitter": twitter("t1"), "anonymous": twitter("a1")}

	assert.Empty(t, Mutated(map[string]any{"twitter": twitter("t1")}, stored))
	assert.Empty(t, Mutated(map[string]any{"anonymous": twitter("a2")}, stored))

	changed := Mutated(map[string]any{"twitter": map[string]any{"id": "t1", "token": "new"}}, stored)
	assert.Contains(t, changed, "twitter")

	all := Mutated(map[string]any{"anonymous": twitter("a1")}, nil)
	assert.Contains(t, all, "anonymous")
}

func TestDecide(t *testing.T) {
	authData := map[string]any{"twitter": twitter("t1")}
	u1 := store.Record{"objectId": "u1", "authData": map[string]any{"twitter": twitter("t1")}}
	u2 := store.Record{"objectId": "u2"}

	assert.Equal(t, Signup, Decide(nil, "", authData))
	assert.Equal(t, Login, Decide([]store.Record{u1}, "", authData))
	assert.Equal(t, Login, Decide([]store.Record{u1}, "u1", authData))
	assert.Equal(t, Conflict, Decide([]store.Record{u1, u2}, "", authData))
	assert.Equal(t, Unchanged, Decide([]store.Record{u1}, "u9", authData))
	assert.Equal(t, Conflict, Decide([]store.Record{u1}, "u9",
		map[string]any{"twitter": map[string]any{"id": "t1", "token": "x"}}))
}

func TestCheckUnique(t *testing.T) {
	require.NoError(t, CheckUnique(nil, "u1"))
	require.NoError(t, CheckUnique([]store.Record{{"objectId": "u1"}}, "u1"))

	err := CheckUnique([]store.Record{{"objectId": "u2"}}, "u1")
	assert.Equal(t, apierr.AccountAlreadyLinked, apierr.CodeOf(err))

	err = CheckUnique([]store.Record{{"objectId": "u1"}, {"objectId": "u2"}}, "u1")
	assert.Equal(t, apierr.AccountAlreadyLinked, apierr.CodeOf(err))
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	providers := auth.NewProviders()
	providers.Register("rewrite", auth.ValidatorFunc(func(_ context.Context, data map[string]any, _ store.Record) (*auth.ValidationResult, error) {
		return &auth.ValidationResult{
			Save:     map[string]any{"id": data["id"]},
			Response: map[string]any{"welcome": true},
		}, nil
	}))
	providers.Register("ephemeral", auth.ValidatorFunc(func(context.Context, map[string]any, store.Record) (*auth.ValidationResult, error) {
		return &auth.ValidationResult{DoNotSave: true}, nil
	}))
	linker := NewLinker(providers, nil)

	res, err := linker.Validate(ctx, map[string]any{
		"anonymous": twitter("a1"),
		"rewrite":   map[string]any{"id": "r1", "secret": "s"},
		"ephemeral": twitter("e1"),
		"gone":      nil,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"anonymous": twitter("a1"),
		"rewrite":   map[string]any{"id": "r1"},
		"gone":      nil,
	}, res.AuthData)
	assert.Equal(t, map[string]any{"rewrite": map[string]any{"welcome": true}}, res.Response)
}

func TestValidateUnsupported(t *testing.T) {
	ctx := context.Background()
	providers := auth.NewProviders()
	linker := NewLinker(providers, nil)

	_, err := linker.Validate(ctx, map[string]any{"twitter": twitter("t1")}, nil)
	assert.Equal(t, apierr.UnsupportedService, apierr.CodeOf(err))

	providers.Disable("anonymous")
	_, err = linker.Validate(ctx, map[string]any{"anonymous": twitter("a1")}, nil)
	assert.Equal(t, apierr.UnsupportedService, apierr.CodeOf(err))
}

func TestValidateWrapsValidatorErrors(t *testing.T) {
	providers := auth.NewProviders()
	providers.Register("flaky", auth.ValidatorFunc(func(context.Context, map[string]any, store.Record) (*auth.ValidationResult, error) {
		return nil, errors.New("upstream timeout")
	}))
	linker := NewLinker(providers, nil)

	_, err := linker.Validate(context.Background(), map[string]any{"flaky": twitter("f1")}, nil)
	require.Error(t, err)
	assert.Equal(t, apierr.ScriptFailed, apierr.CodeOf(err))
	assert.Contains(t, err.Error(), "upstream timeout")
}
