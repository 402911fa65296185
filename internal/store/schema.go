// ABOUTME: Class schema descriptors and the controller that validates writes against them
// ABOUTME: Unknown fields are added on first write; type mismatches are rejected

package store

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/2389/docwrite/internal/apierr"
)

// Field types.
const (
	TypeString  = "String"
	TypeNumber  = "Number"
	TypeBoolean = "Boolean"
	TypeDate    = "Date"
	TypeObject  = "Object"
	TypeArray   = "Array"
	TypePointer = "Pointer"
	TypeFile    = "File"
	TypeACL     = "ACL"
)

// System class names.
const (
	ClassUser         = "_User"
	ClassSession      = "_Session"
	ClassInstallation = "_Installation"
	ClassRole         = "_Role"
)

// SystemClasses are always present and exempt from client class-creation rules.
var SystemClasses = []string{
	ClassUser, ClassInstallation, ClassRole, ClassSession,
	"_Product", "_PushStatus", "_JobStatus", "_JobSchedule", "_Audience",
	"_Idempotency", "_Hooks", "_GlobalConfig", "_GraphQLConfig",
}

// IsSystemClass reports whether name is a reserved system class.
func IsSystemClass(name string) bool {
	for _, c := range SystemClasses {
		if c == name {
			return true
		}
	}
	return false
}

// Field describes one column of a class.
type Field struct {
	Type         string `json:"type" yaml:"type"`
	TargetClass  string `json:"targetClass,omitempty" yaml:"target_class"`
	Required     bool   `json:"required,omitempty" yaml:"required"`
	DefaultValue any    `json:"defaultValue,omitempty" yaml:"default"`
}

// Class is the schema of one document class.
type Class struct {
	Name   string           `json:"className"`
	Fields map[string]Field `json:"fields"`
}

func (c *Class) clone() *Class {
	out := &Class{Name: c.Name, Fields: make(map[string]Field, len(c.Fields))}
	for k, v := range c.Fields {
		out.Fields[k] = v
	}
	return out
}

// Schema is a read-only snapshot of all classes.
type Schema struct {
	Classes map[string]*Class
}

// HasClass reports whether the class exists.
func (s *Schema) HasClass(name string) bool {
	_, ok := s.Classes[name]
	return ok
}

// Class returns the class or nil.
func (s *Schema) Class(name string) *Class {
	return s.Classes[name]
}

var defaultFields = map[string]Field{
	"objectId":  {Type: TypeString},
	"createdAt": {Type: TypeDate},
	"updatedAt": {Type: TypeDate},
	"ACL":       {Type: TypeACL},
}

var systemFields = map[string]map[string]Field{
	ClassUser: {
		"username":      {Type: TypeString},
		"password":      {Type: TypeString},
		"email":         {Type: TypeString},
		"emailVerified": {Type: TypeBoolean},
		"authData":      {Type: TypeObject},
	},
	ClassInstallation: {
		"installationId":   {Type: TypeString},
		"deviceToken":      {Type: TypeString},
		"channels":         {Type: TypeArray},
		"deviceType":       {Type: TypeString},
		"pushType":         {Type: TypeString},
		"GCMSenderId":      {Type: TypeString},
		"timeZone":         {Type: TypeString},
		"localeIdentifier": {Type: TypeString},
		"badge":            {Type: TypeNumber},
		"appVersion":       {Type: TypeString},
		"appName":          {Type: TypeString},
		"appIdentifier":    {Type: TypeString},
		"parseVersion":     {Type: TypeString},
	},
	ClassRole: {
		"name":  {Type: TypeString},
		"users": {Type: TypeArray},
		"roles": {Type: TypeArray},
	},
	ClassSession: {
		"user":           {Type: TypePointer, TargetClass: ClassUser},
		"installationId": {Type: TypeString},
		"sessionToken":   {Type: TypeString},
		"expiresAt":      {Type: TypeDate},
		"createdWith":    {Type: TypeObject},
	},
}

// internalFields are server-managed fields allowed despite the leading underscore.
var internalFields = map[string]bool{
	"_hashed_password":               true,
	"_password_history":              true,
	"_password_changed_at":           true,
	"_email_verify_token":            true,
	"_email_verify_token_expires_at": true,
	"_perishable_token":              true,
	"_perishable_token_expires_at":   true,
	"_failed_login_count":            true,
	"_account_lockout_expires_at":    true,
}

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ValidFieldName reports whether name may be stored.
func ValidFieldName(name string) bool {
	return internalFields[name] || fieldNamePattern.MatchString(name)
}

// SchemaController owns the mutable class registry of a backend.
type SchemaController struct {
	mu       sync.RWMutex
	classes  map[string]*Class
	onChange func(*Class) error
}

// NewSchemaController returns a controller seeded with the system classes.
// onChange, if non-nil, is called with a copy of every class that is created or altered.
func NewSchemaController(onChange func(*Class) error) *SchemaController {
	sc := &SchemaController{classes: make(map[string]*Class), onChange: onChange}
	for name := range systemFields {
		sc.classes[name] = newClass(name)
	}
	return sc
}

func newClass(name string) *Class {
	c := &Class{Name: name, Fields: make(map[string]Field)}
	for k, v := range defaultFields {
		c.Fields[k] = v
	}
	for k, v := range systemFields[name] {
		c.Fields[k] = v
	}
	return c
}

// Put installs or replaces a class definition, keeping default and system fields.
func (sc *SchemaController) Put(c *Class) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	merged := newClass(c.Name)
	for k, v := range c.Fields {
		merged.Fields[k] = v
	}
	sc.classes[c.Name] = merged
}

// Snapshot returns a copy of the current schema.
func (sc *SchemaController) Snapshot() *Schema {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	out := &Schema{Classes: make(map[string]*Class, len(sc.classes))}
	for k, v := range sc.classes {
		out.Classes[k] = v.clone()
	}
	return out
}

// Validate checks data against the class schema, creating the class and any new
// fields it introduces.
func (sc *SchemaController) Validate(kind string, data Record) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	cls, exists := sc.classes[kind]
	if !exists {
		cls = newClass(kind)
	}
	changed := !exists

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, name := range keys {
		if !ValidFieldName(name) {
			return apierr.Newf(apierr.InvalidKeyName, "Invalid field name: %s.", name)
		}
		got, ok := typeOf(name, data[name])
		if !ok {
			continue
		}
		want, known := cls.Fields[name]
		if !known {
			cls.Fields[name] = got
			changed = true
			continue
		}
		if want.Type != got.Type {
			return apierr.Newf(apierr.IncorrectType,
				"schema mismatch for %s.%s; expected %s but got %s", kind, name, want.Type, got.Type)
		}
		if want.Type == TypePointer && want.TargetClass != "" && got.TargetClass != "" && want.TargetClass != got.TargetClass {
			return apierr.Newf(apierr.IncorrectType,
				"schema mismatch for %s.%s; expected Pointer<%s> but got Pointer<%s>", kind, name, want.TargetClass, got.TargetClass)
		}
	}

	if !changed {
		return nil
	}
	sc.classes[kind] = cls
	if sc.onChange != nil {
		if err := sc.onChange(cls.clone()); err != nil {
			return fmt.Errorf("persisting schema for %s: %w", kind, err)
		}
	}
	return nil
}

// typeOf infers the schema type of a value. ok is false for values that carry
// no type information (nil, delete ops).
func typeOf(name string, v any) (Field, bool) {
	if name == "ACL" {
		return Field{Type: TypeACL}, true
	}
	switch t := v.(type) {
	case nil:
		return Field{}, false
	case Op:
		switch t.Kind {
		case OpIncrement:
			return Field{Type: TypeNumber}, true
		case OpAdd, OpAddUnique, OpRemove:
			return Field{Type: TypeArray}, true
		default:
			return Field{}, false
		}
	case string:
		if name == "createdAt" || name == "updatedAt" {
			return Field{Type: TypeDate}, true
		}
		return Field{Type: TypeString}, true
	case bool:
		return Field{Type: TypeBoolean}, true
	case []any, []string:
		return Field{Type: TypeArray}, true
	}
	if _, ok := toFloat(v); ok {
		return Field{Type: TypeNumber}, true
	}
	if m, ok := asMap(v); ok {
		switch m["__type"] {
		case "Pointer":
			target, _ := m["className"].(string)
			return Field{Type: TypePointer, TargetClass: target}, true
		case "Date":
			return Field{Type: TypeDate}, true
		case "File":
			return Field{Type: TypeFile}, true
		}
		return Field{Type: TypeObject}, true
	}
	return Field{Type: TypeObject}, true
}
