//go:build !linux

package fuse

import (
	"context"
	"fmt"

	afs "github.com/jacktea/adbfs/pkg/fs"
)

// Mount serves filesystem at mountpoint until ctx is canceled.
func Mount(ctx context.Context, filesystem afs.Filesystem, mountpoint string, opts MountOptions) error {
	return fmt.Errorf("fuse mount not supported in this build")
}
