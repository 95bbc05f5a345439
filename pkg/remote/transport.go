// Package remote defines the command channel to the device and its
// process-backed implementation.
package remote

import (
	"context"
	"time"
)

// Transport executes the remote operations the caches and the facade need.
// Every call may block for as long as the device takes; callers bound it
// through ctx. Failures wrap fs.ErrTransport, except a remote
// "No such file or directory" which wraps fs.ErrNotFound.
type Transport interface {
	// Stat returns the raw status line of path.
	Stat(ctx context.Context, path string) (string, error)
	// List returns the raw one-name-per-line listing of path.
	List(ctx context.Context, path string) (string, error)
	ReadLink(ctx context.Context, path string) (string, error)
	// StageChunk block-copies part of a remote file into a device scratch
	// file, replacing any previous content of that file.
	StageChunk(ctx context.Context, req StageRequest) error
	// Pull copies a staged device file to a local path.
	Pull(ctx context.Context, staging, local string) error
	Mutate(ctx context.Context, m Mutation) error
}

// StageRequest describes one device-side block copy: BlockCount blocks of
// BlockSize bytes starting at block Offset/BlockSize of Source, written to Staging.
type StageRequest struct {
	Source     string
	Staging    string
	Offset     int64
	BlockSize  int64
	BlockCount int64
}

// Skip returns the number of whole blocks skipped before the copy starts.
func (r StageRequest) Skip() int64 {
	if r.BlockSize <= 0 {
		return 0
	}
	return r.Offset / r.BlockSize
}

// Start returns the byte position of the first copied byte.
func (r StageRequest) Start() int64 { return r.Skip() * r.BlockSize }

// Length returns the number of bytes requested.
func (r StageRequest) Length() int64 { return r.BlockSize * r.BlockCount }

// MutationKind enumerates passthrough mutations.
type MutationKind int

const (
	MutateUnlink MutationKind = iota + 1
	MutateRmdir
	MutateSymlink
	MutateRename
	MutateLink
	MutateChmod
	MutateChown
	MutateMkdir
	MutateUtime
	MutateRemoveAll
)

func (k MutationKind) String() string {
	switch k {
	case MutateUnlink:
		return "unlink"
	case MutateRmdir:
		return "rmdir"
	case MutateSymlink:
		return "symlink"
	case MutateRename:
		return "rename"
	case MutateLink:
		return "link"
	case MutateChmod:
		return "chmod"
	case MutateChown:
		return "chown"
	case MutateMkdir:
		return "mkdir"
	case MutateUtime:
		return "utime"
	case MutateRemoveAll:
		return "remove-all"
	default:
		return "unknown"
	}
}

// Mutation is a passthrough change applied on the device.
// Path is the subject; Target is the second path of symlink, rename and link
// (the link target for symlink, the new name for rename, the new link for link).
type Mutation struct {
	Kind   MutationKind
	Path   string
	Target string
	Mode   uint32
	User   string
	Group  string
	ATime  time.Time
	MTime  time.Time
}
