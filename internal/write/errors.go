// ABOUTME: Maps storage failures onto client-facing API errors
// ABOUTME: Unique index violations become the matching *_TAKEN or DUPLICATE_VALUE code

package write

import (
	"errors"

	"github.com/2389/docwrite/internal/apierr"
	"github.com/2389/docwrite/internal/store"
)

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// duplicateValue is returned when a unique field other than username or email collides.
func duplicateValue() error {
	return apierr.New(apierr.DuplicateValue, "A duplicate value for a field with unique values was provided")
}

// translateStorageError converts duplicate errors and passes everything else through.
func translateStorageError(err error) error {
	var dup *store.DuplicateError
	if !errors.As(err, &dup) {
		return err
	}
	switch {
	case dup.Kind == store.ClassUser && dup.Field == "username":
		return errUsernameTaken
	case dup.Kind == store.ClassUser && dup.Field == "email":
		return errEmailTaken
	}
	return duplicateValue()
}

var (
	errUsernameTaken = apierr.New(apierr.UsernameTaken, "Account already exists for this username.")
	errEmailTaken    = apierr.New(apierr.EmailTaken, "Account already exists for this email address.")
	errObjectMissing = apierr.New(apierr.ObjectNotFound, "Object not found.")
)
