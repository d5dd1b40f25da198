package store

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes store errors.
type ErrorCode string

const (
	// ErrCodeDuplicateCoordinate indicates a put at a coordinate that
	// already holds a different content hash. The caller must route
	// through the merge engine's conflict path instead of overwriting.
	ErrCodeDuplicateCoordinate ErrorCode = "DUPLICATE_COORDINATE"

	// ErrCodeInvalidParentRef indicates an append whose parent refs do
	// not resolve to known entries.
	ErrCodeInvalidParentRef ErrorCode = "INVALID_PARENT_REF"

	// ErrCodeNotFound indicates a lookup for a coordinate or entry that
	// does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
)

// Error is a structured store error with a code for callers that need
// to branch on the failure category.
type Error struct {
	Code       ErrorCode
	Message    string
	Coordinate string // coordinate key, when relevant
	Ref        string // entry ref, when relevant
}

func (e *Error) Error() string {
	switch {
	case e.Coordinate != "":
		return fmt.Sprintf("%s: %s (coordinate=%s)", e.Code, e.Message, e.Coordinate)
	case e.Ref != "":
		return fmt.Sprintf("%s: %s (ref=%s)", e.Code, e.Message, e.Ref)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// IsCode reports whether err is a store Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var se *Error
	return errors.As(err, &se) && se.Code == code
}
