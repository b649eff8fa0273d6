// Package kerr defines the error taxonomy shared across kastordb's storage
// kernel. Every exported operation in internal/* wraps its failures through
// *Error so callers can use errors.Is against a Kind rather than matching
// strings.
package kerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into one of the categories the storage kernel
// distinguishes at the API boundary.
type Kind int

const (
	Unknown Kind = iota
	FileNotFound
	FileExists
	InvalidPassword
	EncryptionMismatch
	InvalidHeader
	UnsupportedVersion
	ChecksumMismatch
	OutOfSpace
	CatalogGrowthFailure
	NoContiguousPages
	CollectionMissing
	CollectionExists
	IndexMissing
	IndexExists
	UniqueConstraintViolation
	SlotDeleted
	VersionConflict
	Cancelled
	IOError
)

func (k Kind) String() string {
	switch k {
	case FileNotFound:
		return "file_not_found"
	case FileExists:
		return "file_exists"
	case InvalidPassword:
		return "invalid_password"
	case EncryptionMismatch:
		return "encryption_mismatch"
	case InvalidHeader:
		return "invalid_header"
	case UnsupportedVersion:
		return "unsupported_version"
	case ChecksumMismatch:
		return "checksum_mismatch"
	case OutOfSpace:
		return "out_of_space"
	case CatalogGrowthFailure:
		return "catalog_growth_failure"
	case NoContiguousPages:
		return "no_contiguous_pages"
	case CollectionMissing:
		return "collection_missing"
	case CollectionExists:
		return "collection_exists"
	case IndexMissing:
		return "index_missing"
	case IndexExists:
		return "index_exists"
	case UniqueConstraintViolation:
		return "unique_constraint_violation"
	case SlotDeleted:
		return "slot_deleted"
	case VersionConflict:
		return "version_conflict"
	case Cancelled:
		return "cancelled"
	case IOError:
		return "io_error"
	default:
		return "unknown"
	}
}

// Error is the wrapping type every kastordb package returns. Op names the
// component that raised it (e.g. "pagemgr", "walog", "btree"), matching the
// prefix convention the teacher used with fmt.Errorf("pager: %w", err).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same Kind, so callers can
// write errors.Is(err, kerr.New("", kerr.VersionConflict, nil)) or more
// simply kerr.Is(err, kerr.VersionConflict).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error wrapping err under op/kind. err may be nil.
func New(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap is a convenience for the common "op: %w" case without assigning a
// specific Kind; it returns a plain wrapped error that carries no Kind of
// its own (Is still finds any *Error inside err).
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Is reports whether err is (or wraps) a kerr.*Error with the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
