package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Kind categorizes a store failure. The set is closed; callers translating
// a Kind into another error space must handle values they do not recognize.
type Kind int

const (
	Unknown Kind = iota
	NotFound
	PermissionDenied
	Unavailable
	AlreadyExists
	InvalidArgument
	DeadlineExceeded
	Aborted
	Internal
)

func (k Kind) String() string {
	switch k {
	case Unknown:
		return "unknown"
	case NotFound:
		return "not-found"
	case PermissionDenied:
		return "permission-denied"
	case Unavailable:
		return "unavailable"
	case AlreadyExists:
		return "already-exists"
	case InvalidArgument:
		return "invalid-argument"
	case DeadlineExceeded:
		return "deadline-exceeded"
	case Aborted:
		return "aborted"
	case Internal:
		return "internal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a categorized failure returned by a Store or produced while
// validating a request before it reaches a Store.
type Error struct {
	Kind Kind
	Op   string
	Hash string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Hash != "" {
		msg = e.Hash + ": " + msg
	}
	if e.Op != "" {
		msg = e.Op + " " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates an Error of the given kind from a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap annotates err with the operation and hash it happened on. Errors that
// already carry a Kind keep it; anything else is classified with KindOf.
func Wrap(op string, hash string, err error) error {
	if err == nil {
		return nil
	}

	var storeErr *Error
	if errors.As(err, &storeErr) {
		return err
	}

	return &Error{Kind: KindOf(err), Op: op, Hash: hash, Err: err}
}

// KindOf returns the Kind carried by err, falling back to well-known
// sentinels from the os and context packages. Unclassified errors are
// Internal.
func KindOf(err error) Kind {
	var storeErr *Error
	switch {
	case err == nil:
		return Unknown
	case errors.As(err, &storeErr):
		return storeErr.Kind
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return Aborted
	case errors.Is(err, os.ErrNotExist):
		return NotFound
	case errors.Is(err, os.ErrPermission):
		return PermissionDenied
	case errors.Is(err, os.ErrExist):
		return AlreadyExists
	case errors.Is(err, os.ErrInvalid):
		return InvalidArgument
	default:
		return Internal
	}
}

// ValidateHash checks that hash is a non-empty lowercase hexadecimal string,
// the only form the content-addressed layouts accept.
func ValidateHash(hash string) error {
	if len(hash) < 2 {
		return Errorf(InvalidArgument, "invalid hash length: %d", len(hash))
	}

	for i := 0; i < len(hash); i++ {
		c := hash[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return Errorf(InvalidArgument, "invalid hash %q: not lowercase hex", hash)
		}
	}

	return nil
}
