// Package errors holds the error taxonomy shared by the routing components.
// Lower layers return these wrapped with context; the engine and the link
// switch turn them into boolean results and the authority bridge turns them
// into protocol error codes.
package errors

import (
	"errors"
)

// Class is the taxonomy bucket of an error
type Class int

const (
	ClassUnknown Class = iota
	// ClassNotFound: a referenced live element, group or authority entity is absent
	ClassNotFound
	// ClassConflict: nested profile change, duplicate group name
	ClassConflict
	// ClassProtocolInconsistency: acknowledgment with an unknown key
	ClassProtocolInconsistency
	// ClassNotPossible: link establishment failed for a structural reason
	ClassNotPossible
)

func (c Class) String() string {
	switch c {
	case ClassNotFound:
		return "not_found"
	case ClassConflict:
		return "conflict"
	case ClassProtocolInconsistency:
		return "protocol_inconsistency"
	case ClassNotPossible:
		return "not_possible"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrProtocolInconsistency  = errors.New("protocol inconsistency")
	ErrNotPossible            = errors.New("not possible")
	ErrDuplicateGroup         = &classified{class: ClassConflict, msg: "duplicate routing group"}
	ErrNestedProfileChange    = &classified{class: ClassConflict, msg: "nested profile change"}
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrDomainDown             = errors.New("authority domain is down")
	ErrUnsupportedLink        = &classified{class: ClassNotPossible, msg: "unsupported link"}
	ErrNoFallbackSink         = &classified{class: ClassNotPossible, msg: "no fallback sink"}
	ErrMultiplexRouteNotFound = &classified{class: ClassNotFound, msg: "multiplex route not found"}
)

// classified is a sentinel that belongs to a taxonomy class but still has
// its own identity for errors.Is
type classified struct {
	class Class
	msg   string
}

func (c *classified) Error() string {
	return c.msg
}

func (c *classified) Is(target error) bool {
	return target == c.class.sentinel()
}

func (c Class) sentinel() error {
	switch c {
	case ClassNotFound:
		return ErrNotFound
	case ClassConflict:
		return ErrConflict
	case ClassProtocolInconsistency:
		return ErrProtocolInconsistency
	case ClassNotPossible:
		return ErrNotPossible
	default:
		return nil
	}
}

// ClassOf returns the taxonomy class of err
func ClassOf(err error) Class {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrConflict):
		return ClassConflict
	case errors.Is(err, ErrProtocolInconsistency):
		return ClassProtocolInconsistency
	case errors.Is(err, ErrNotPossible):
		return ClassNotPossible
	default:
		return ClassUnknown
	}
}

// IsNotFound checks whether err is a NotFound error
func IsNotFound(err error) bool {
	return ClassOf(err) == ClassNotFound
}

// IsConflict checks whether err is a Conflict error
func IsConflict(err error) bool {
	return ClassOf(err) == ClassConflict
}

// IsNotPossible checks whether err is a NotPossible error
func IsNotPossible(err error) bool {
	return ClassOf(err) == ClassNotPossible
}

// Is and As re-export the standard helpers so callers need a single import
func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

// New re-exports errors.New
func New(text string) error {
	return errors.New(text)
}
