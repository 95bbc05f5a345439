package xerrors

import (
	"context"
	"errors"
	iofs "io/fs"
	"os"

	pkgfs "github.com/jacktea/adbfs/pkg/fs"
)

// Kind classifies adbfs errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindPermission
	KindTransport
	KindUnavailable
	KindNotSupported
	KindCanceled
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := kindString(e.Kind)
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the pkg/fs sentinel that corresponds to e.Kind,
// so E(KindNotFound, ...) satisfies errors.Is(err, fs.ErrNotFound).
func (e *Error) Is(target error) bool {
	sentinel := sentinelFor(e.Kind)
	return sentinel != nil && target == sentinel
}

func sentinelFor(kind Kind) error {
	switch kind {
	case KindNotFound:
		return pkgfs.ErrNotFound
	case KindPermission:
		return pkgfs.ErrPermission
	case KindTransport:
		return pkgfs.ErrTransport
	case KindUnavailable:
		return pkgfs.ErrTransportUnavailable
	case KindNotSupported:
		return pkgfs.ErrNotSupported
	case KindInvalid:
		return pkgfs.ErrInvalid
	default:
		return nil
	}
}

func kindString(kind Kind) string {
	switch kind {
	case KindNotFound:
		return "not found"
	case KindPermission:
		return "permission denied"
	case KindTransport:
		return "transport failure"
	case KindUnavailable:
		return "transport unavailable"
	case KindNotSupported:
		return "not supported"
	case KindCanceled:
		return "canceled"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, pkgfs.ErrNotFound),
		errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, pkgfs.ErrPermission),
		errors.Is(err, iofs.ErrPermission):
		return KindPermission
	case errors.Is(err, pkgfs.ErrTransportUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return KindUnavailable
	case errors.Is(err, pkgfs.ErrTransport):
		return KindTransport
	case errors.Is(err, pkgfs.ErrNotSupported):
		return KindNotSupported
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, pkgfs.ErrInvalid),
		errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}
