// ABOUTME: _Installation identity merging: folds writes onto existing device records
// ABOUTME: Lookup and deletes run as master; the decision itself comes from the installation package

package write

import (
	"context"
	"fmt"

	"github.com/2389/docwrite/internal/apierr"
	"github.com/2389/docwrite/internal/installation"
	"github.com/2389/docwrite/internal/store"
)

type installationPolicy struct{ basePolicy }

func (installationPolicy) identify(ctx context.Context, o *Orchestrator, r *run) error {
	if r.response != nil {
		return nil
	}
	supplied, _ := r.data["installationId"].(string)
	token, _ := r.data["deviceToken"].(string)

	if r.create() && supplied == "" && token == "" && r.caller.InstallationID == "" {
		return apierr.New(apierr.MissingRequiredField,
			"at least one ID field (deviceToken, installationId) must be specified in this operation")
	}

	if token != "" {
		token = installation.NormalizeDeviceToken(token)
		r.data["deviceToken"] = token
	}
	if supplied != "" {
		supplied = installation.NormalizeInstallationID(supplied)
		r.data["installationId"] = supplied
	}

	id := supplied
	if id == "" && !r.caller.Privileged() {
		id = installation.NormalizeInstallationID(r.caller.InstallationID)
		if r.create() && id != "" {
			r.data["installationId"] = id
		}
	}
	deviceType, _ := r.data["deviceType"].(string)

	queryID := r.query.ObjectID()
	if !r.create() && token == "" && id == "" && deviceType == "" {
		return nil
	}

	var matches []store.Record
	if filter := installation.MatchFilter(queryID, id, token); filter != nil {
		var err error
		matches, err = o.storage.Find(ctx, store.ClassInstallation, filter, store.FindOptions{})
		if err != nil {
			return fmt.Errorf("loading installations: %w", err)
		}
	}
	appID, _ := r.data["appIdentifier"].(string)

	decision, err := installation.Resolve(installation.Input{
		Create:                 r.create(),
		QueryObjectID:          queryID,
		InstallationID:         id,
		SuppliedInstallationID: supplied,
		DeviceToken:            token,
		DeviceType:             deviceType,
		AppIdentifier:          appID,
		Matches:                matches,
	})
	if err != nil {
		return err
	}

	for _, del := range decision.Deletes {
		if _, err := o.storage.Destroy(ctx, store.ClassInstallation, del, store.WriteOptions{}); err != nil && !isNotFound(err) {
			return fmt.Errorf("removing duplicate installations: %w", err)
		}
	}
	if decision.NoPivot {
		o.logger.Warn("device token matches another installation and no id identifies this one",
			"installation", decision.ObjectID)
	}
	if decision.ObjectID != "" {
		r.query = store.Filter{"objectId": decision.ObjectID}
		delete(r.data, "objectId")
		delete(r.data, "createdAt")
	}
	return nil
}
