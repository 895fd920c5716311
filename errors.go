package pelican

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation is returned for malformed input: documents or patches that
	// are not valid JSON, conditions of an unexpected shape, bad selectors.
	ErrValidation = errors.New("invalid input")

	// ErrDuplicateID is returned when inserting an id that already exists
	// without Upsert or Update.
	ErrDuplicateID = errors.New("document with this id already exists")

	ErrNotFound = errors.New("document not found")

	// ErrLockTimeout is returned when an advisory file lock is not acquired
	// within Options.LockTimeout. It is not retried automatically.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrWrite wraps any failure while persisting the pointer table, the
	// latest-version index or the data blob.
	ErrWrite = errors.New("write failed")

	// ErrNoIndex is returned for operations on an index name that has no
	// registered settings.
	ErrNoIndex = errors.New("no index settings found")

	// ErrIncomparable is returned when a condition orders values of
	// incompatible types, like a string against a number.
	ErrIncomparable = errors.New("incomparable types")

	ErrSessionClosed = errors.New("session already committed or aborted")

	// ErrClosed is returned by reads and writes through a closed DB,
	// including collection handles obtained before Close.
	ErrClosed = errors.New("database closed")
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %q", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %q", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %q...%q", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %q...%q", e.Msg, n, p, s)
		}
	}
}

// CollectionError describes a failed operation on a collection or an index,
// optionally naming the document involved.
type CollectionError struct {
	Collection string
	ID         string
	Msg        string
	Err        error
}

func collErrf(coll string, id string, err error, format string, args ...any) error {
	return &CollectionError{coll, id, fmt.Sprintf(format, args...), err}
}

func (e *CollectionError) Unwrap() error {
	return e.Err
}

func (e *CollectionError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Collection)
	if e.ID != "" {
		buf.WriteByte('/')
		buf.WriteString(e.ID)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

func validationErrf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
