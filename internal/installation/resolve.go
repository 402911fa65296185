// ABOUTME: Pure identity resolution for _Installation writes
// ABOUTME: Chooses create, reuse or merge from the matches of a single OR query

package installation

import (
	"strings"

	"github.com/2389/docwrite/internal/apierr"
	"github.com/2389/docwrite/internal/store"
)

// deviceTokenLength is the length of an APNS hex token, which is case-insensitive.
const deviceTokenLength = 64

// Input describes one installation write.
type Input struct {
	// Create is true when the request has no query.
	Create bool
	// QueryObjectID is the objectId the update targets, "" when not by objectId.
	QueryObjectID string
	// InstallationID is the effective installation id: the data's, else the caller's.
	InstallationID string
	// SuppliedInstallationID is the installation id present in the write data.
	SuppliedInstallationID string
	DeviceToken            string
	DeviceType             string
	AppIdentifier          string
	// Matches are the stored installations matching any of the identifying keys.
	Matches []store.Record
}

// Decision is the outcome of Resolve.
type Decision struct {
	// ObjectID, when set, is the installation the write must update.
	ObjectID string
	// Deletes are filters for installations to remove before writing.
	Deletes []store.Filter
	// NoPivot is set when a device token conflict could not be resolved because
	// neither an installation id nor an objectId identified the caller's record.
	NoPivot bool
}

// NormalizeDeviceToken lowercases APNS tokens; other tokens are returned as is.
func NormalizeDeviceToken(token string) string {
	if len(token) == deviceTokenLength {
		return strings.ToLower(token)
	}
	return token
}

// NormalizeInstallationID lowercases an installation id.
func NormalizeInstallationID(id string) string {
	return strings.ToLower(id)
}

// MatchFilter returns the OR filter over the non-empty identifying keys,
// or nil when there is nothing to look up.
func MatchFilter(queryObjectID, installationID, deviceToken string) store.Filter {
	var clauses []store.Filter
	if queryObjectID != "" {
		clauses = append(clauses, store.Filter{"objectId": queryObjectID})
	}
	if installationID != "" {
		clauses = append(clauses, store.Filter{"installationId": installationID})
	}
	if deviceToken != "" {
		clauses = append(clauses, store.Filter{"deviceToken": deviceToken})
	}
	if len(clauses) == 0 {
		return nil
	}
	return store.Or(clauses...)
}

// Resolve applies the installation identity rules to in.
func Resolve(in Input) (Decision, error) {
	var objectIDMatch, installationIDMatch store.Record
	var deviceTokenMatches []store.Record
	for _, m := range in.Matches {
		if in.QueryObjectID != "" && m.ObjectID() == in.QueryObjectID {
			objectIDMatch = m
		}
		if in.InstallationID != "" && m.String("installationId") == in.InstallationID {
			installationIDMatch = m
		}
		if in.DeviceToken != "" && m.String("deviceToken") == in.DeviceToken {
			deviceTokenMatches = append(deviceTokenMatches, m)
		}
	}

	if in.QueryObjectID != "" {
		if objectIDMatch == nil {
			return Decision{}, apierr.New(apierr.ObjectNotFound, "Object not found for update.")
		}
		if err := checkImmutable(in, objectIDMatch); err != nil {
			return Decision{}, err
		}
	}

	idMatch := objectIDMatch
	if installationIDMatch != nil {
		idMatch = installationIDMatch
	}

	if in.Create && in.DeviceType == "" && idMatch == nil {
		return Decision{}, apierr.New(apierr.MissingRequiredField, "deviceType must be specified in this operation")
	}

	if idMatch == nil {
		return resolveByDeviceToken(in, deviceTokenMatches)
	}
	return resolveWithIDMatch(in, idMatch, deviceTokenMatches), nil
}

func checkImmutable(in Input, match store.Record) error {
	stored := match.String("installationId")
	if in.SuppliedInstallationID != "" && stored != "" && in.SuppliedInstallationID != stored {
		return apierr.New(apierr.ChangedImmutableField, "installationId may not be changed in this operation")
	}
	if in.DeviceToken != "" && match.String("deviceToken") != "" &&
		in.DeviceToken != match.String("deviceToken") &&
		in.SuppliedInstallationID == "" && stored == "" {
		return apierr.New(apierr.ChangedImmutableField, "deviceToken may not be changed in this operation")
	}
	if in.DeviceType != "" && in.DeviceType != match.String("deviceType") {
		return apierr.New(apierr.ChangedImmutableField, "deviceType may not be changed in this operation")
	}
	return nil
}

func resolveByDeviceToken(in Input, matches []store.Record) (Decision, error) {
	switch {
	case len(matches) == 0:
		return Decision{}, nil
	case len(matches) == 1 && matches[0].String("installationId") == "" && in.InstallationID == "":
		return Decision{ObjectID: matches[0].ObjectID()}, nil
	case in.InstallationID == "":
		return Decision{}, apierr.New(apierr.InvalidInstallationID,
			"Must specify installationId when deviceToken matches multiple Installation objects")
	}

	del := store.Filter{
		"deviceToken":    in.DeviceToken,
		"installationId": map[string]any{"$ne": in.InstallationID},
	}
	if in.AppIdentifier != "" {
		del["appIdentifier"] = in.AppIdentifier
	}
	return Decision{Deletes: []store.Filter{del}}, nil
}

func resolveWithIDMatch(in Input, idMatch store.Record, deviceTokenMatches []store.Record) Decision {
	if len(deviceTokenMatches) == 1 && deviceTokenMatches[0].String("installationId") == "" {
		// The token was registered before the device had an installation id;
		// fold the id match into it.
		return Decision{
			ObjectID: deviceTokenMatches[0].ObjectID(),
			Deletes:  []store.Filter{{"objectId": idMatch.ObjectID()}},
		}
	}

	if in.DeviceToken == "" || idMatch.String("deviceToken") == in.DeviceToken {
		return Decision{ObjectID: idMatch.ObjectID()}
	}

	del := store.Filter{"deviceToken": in.DeviceToken}
	switch {
	case in.InstallationID != "":
		del["installationId"] = map[string]any{"$ne": in.InstallationID}
	case in.QueryObjectID != "" && idMatch.ObjectID() == in.QueryObjectID:
		del["objectId"] = map[string]any{"$ne": idMatch.ObjectID()}
	default:
		return Decision{ObjectID: idMatch.ObjectID(), NoPivot: true}
	}
	if in.AppIdentifier != "" {
		del["appIdentifier"] = in.AppIdentifier
	}
	return Decision{ObjectID: idMatch.ObjectID(), Deletes: []store.Filter{del}}
}
