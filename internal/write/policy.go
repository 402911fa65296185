// ABOUTME: Per-class behavior plugged into the shared write stages
// ABOUTME: _User, _Session and _Installation override the no-op base policy

package write

import (
	"context"

	"github.com/2389/docwrite/internal/store"
)

// classPolicy holds the steps that differ by class. Each method runs at a
// fixed point in the pipeline.
type classPolicy interface {
	// identify resolves which stored object the write addresses.
	identify(ctx context.Context, o *Orchestrator, r *run) error
	checkRestrictedFields(r *run) error
	// afterHook runs once the before-save hook has settled the data.
	afterHook(ctx context.Context, o *Orchestrator, r *run) error
	transform(ctx context.Context, o *Orchestrator, r *run) error
	beforePersist(ctx context.Context, o *Orchestrator, r *run) error
	prepareCreate(ctx context.Context, o *Orchestrator, r *run) error
	prepareUpdate(ctx context.Context, o *Orchestrator, r *run) error
	// duplicateError translates a unique-index failure from persist.
	duplicateError(ctx context.Context, o *Orchestrator, r *run, err error) error
	afterPersist(ctx context.Context, o *Orchestrator, r *run) error
	finish(r *run)
}

func specialize(kind string) classPolicy {
	switch kind {
	case store.ClassUser:
		return userPolicy{}
	case store.ClassSession:
		return sessionPolicy{}
	case store.ClassInstallation:
		return installationPolicy{}
	}
	return basePolicy{}
}

type basePolicy struct{}

func (basePolicy) identify(context.Context, *Orchestrator, *run) error      { return nil }
func (basePolicy) checkRestrictedFields(*run) error                         { return nil }
func (basePolicy) afterHook(context.Context, *Orchestrator, *run) error     { return nil }
func (basePolicy) transform(context.Context, *Orchestrator, *run) error     { return nil }
func (basePolicy) beforePersist(context.Context, *Orchestrator, *run) error { return nil }
func (basePolicy) prepareCreate(context.Context, *Orchestrator, *run) error { return nil }
func (basePolicy) prepareUpdate(context.Context, *Orchestrator, *run) error { return nil }
func (basePolicy) afterPersist(context.Context, *Orchestrator, *run) error  { return nil }
func (basePolicy) finish(*run)                                              {}

func (basePolicy) duplicateError(_ context.Context, _ *Orchestrator, _ *run, err error) error {
	return translateStorageError(err)
}
