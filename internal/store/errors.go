package store

import (
	"errors"
	"fmt"
)

// ParseErrorKind classifies why a record could not be decoded.
type ParseErrorKind int

const (
	// ErrMalformed means the record is not valid JSON or violates the
	// schema in a way that cannot be attributed to version skew.
	ErrMalformed ParseErrorKind = iota
	// ErrUnsupportedVersion means the record is well-formed but uses a
	// schema or enum value this build does not understand.
	ErrUnsupportedVersion
	// ErrTruncated means the record is empty or cut short, typically a
	// torn write by the native application.
	ErrTruncated
)

func (k ParseErrorKind) String() string {
	switch k {
	case ErrUnsupportedVersion:
		return "unsupported version"
	case ErrTruncated:
		return "truncated"
	default:
		return "malformed"
	}
}

// ParseError is a classified record-decoding failure. A ParseError for one
// entity never aborts a scan; the entity is reported as unavailable and
// siblings continue to load.
type ParseError struct {
	Path string // filled in by Dir when the bytes came from disk
	Kind ParseErrorKind
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s record %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s record: %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsParseError reports whether err is a ParseError of any kind.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// ErrNotExist is returned by Dir reads when an entity has no metadata
// record on disk.
var ErrNotExist = errors.New("entity does not exist")
