// ABOUTME: Request, Response and per-request state of the write pipeline
// ABOUTME: Scratch flags are typed fields set by one stage and drained by the follow-up stage

package write

import (
	"regexp"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/2389/docwrite/internal/auth"
	"github.com/2389/docwrite/internal/store"
)

// Request is one create (no Query) or update (Query set).
type Request struct {
	Kind string
	// Query selects the object to update, normally {"objectId": id}.
	Query store.Filter
	// Data holds field values or store.Op mutations. It is not modified.
	Data store.Record
	// Original is the stored object before an update.
	Original store.Record
	// Caller defaults to an anonymous caller.
	Caller    *auth.Caller
	ClientSDK ClientSDK
	// Context is passed to hooks.
	Context map[string]any
}

// Response is the outcome of a successful write.
type Response struct {
	Body store.Record
	// Status is 201 for creates, 0 otherwise (meaning 200).
	Status   int
	Location string
}

// ClientSDK identifies the client library that sent the request.
type ClientSDK struct {
	Name    string
	Version string
}

var clientSDKPattern = regexp.MustCompile(`([-a-zA-Z]+)([0-9.]+)`)

// ParseClientSDK parses identifiers like "js1.9.2" or "ios1.15.0".
func ParseClientSDK(s string) ClientSDK {
	m := clientSDKPattern.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return ClientSDK{}
	}
	return ClientSDK{Name: m[1], Version: m[2]}
}

// minForwardDelete lists the first version of each SDK that understands a
// Delete op echoed back in a response.
var minForwardDelete = map[string]string{
	"js": "v1.9.0",
}

// SupportsForwardDelete reports whether delete ops may be echoed to the client.
// Requests without SDK information are assumed capable.
func (c ClientSDK) SupportsForwardDelete() bool {
	if c.Name == "" {
		return true
	}
	minVersion, ok := minForwardDelete[c.Name]
	if !ok {
		return false
	}
	v := "v" + strings.TrimSuffix(c.Version, ".")
	if !semver.IsValid(v) {
		return false
	}
	return semver.Compare(v, minVersion) >= 0
}

// scratch carries decisions from one stage to a later one.
type scratch struct {
	clearSessions         bool
	generateNewSession    bool
	sendVerificationEmail bool
	// authProvider is the comma-joined provider list of an authData login.
	authProvider string
	// fieldsChangedByTrigger are fields whose final value the client did not send.
	fieldsChangedByTrigger []string
	// responseShouldHaveUsername is set when the username was generated.
	responseShouldHaveUsername bool
}

func (s *scratch) markChanged(field string) {
	if s.changed(field) {
		return
	}
	s.fieldsChangedByTrigger = append(s.fieldsChangedByTrigger, field)
}

func (s *scratch) changed(field string) bool {
	for _, f := range s.fieldsChangedByTrigger {
		if f == field {
			return true
		}
	}
	return false
}

// run is the mutable state of one Execute call.
type run struct {
	kind     string
	query    store.Filter
	data     store.Record
	original store.Record
	caller   *auth.Caller
	sdk      ClientSDK
	context  map[string]any
	policy   classPolicy

	// acl is the caller's ACL root set; nil for privileged callers.
	acl       []string
	updatedAt string
	scratch   scratch
	response  *Response
	// authDataResponse carries provider payloads back to the client.
	authDataResponse map[string]any
}

func (r *run) create() bool {
	return r.query == nil
}

func (r *run) op() string {
	if r.create() {
		return "create"
	}
	return "update"
}

// objectID is the id of the object being written.
func (r *run) objectID() string {
	if id := r.data.ObjectID(); id != "" {
		return id
	}
	return r.query.ObjectID()
}

// userID is the account an _User write targets, otherwise the caller's user.
func (r *run) userID() string {
	if r.kind == store.ClassUser {
		if id := r.query.ObjectID(); id != "" {
			return id
		}
	}
	return r.caller.UserID()
}

func (r *run) writeOptions() store.WriteOptions {
	return store.WriteOptions{ACL: r.acl}
}
