package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	afs "github.com/jacktea/adbfs/pkg/fs"
	"github.com/jacktea/adbfs/pkg/gc"
)

// catBlock is the facade read size used by cat.
const catBlock = 256 << 10

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <path>",
		Short: "List directory contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doList(application.ctx, application.fs, args[0], cmd.OutOrStdout())
		},
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Print the attributes of a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doStat(application.ctx, application.fs, args[0], cmd.OutOrStdout())
		},
	}
}

func newCatCmd() *cobra.Command {
	var offset, length int64
	cmd := &cobra.Command{
		Use:   "cat <path>",
		Short: "Print file contents through the chunk cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doCat(application.ctx, application.fs, args[0], offset, length, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "byte offset to start at")
	cmd.Flags().Int64Var(&length, "length", -1, "bytes to print (-1 prints to the end)")
	return cmd
}

func newReadlinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "readlink <path>",
		Short: "Print a symbolic link's target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := application.fs.ReadLink(application.ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), target)
			return nil
		},
	}
}

func newChmodCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chmod <mode> <path>",
		Short: "Change file mode bits",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doChmod(application.ctx, application.fs, args[1], args[0])
		},
	}
}

func newChownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chown <user[:group]> <path>",
		Short: "Change file ownership",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doChown(application.ctx, application.fs, args[1], args[0])
		},
	}
}

func newRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rename <old> <new>",
		Aliases: []string{"mv"},
		Short:   "Rename a file or directory",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.fs.Rename(application.ctx, args[0], args[1])
		},
	}
}

func newMkdirCmd() *cobra.Command {
	var modeStr string
	cmd := &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseMode(modeStr)
			if err != nil {
				return err
			}
			return application.fs.Mkdir(application.ctx, args[0], mode)
		},
	}
	cmd.Flags().StringVar(&modeStr, "mode", "755", "octal mode for the directory")
	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Remove a file or an empty directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRemove(application.ctx, application.fs, args[0])
		},
	}
}

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove staged device files, the local mirror and the ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := gc.Purge(application.ctx, gc.PurgeOptions{
				Transport:  application.transport,
				Ledger:     application.ledger,
				Mirror:     application.fs.Mirror(),
				DeviceRoot: viper.GetString("device_cache_root"),
				Logger:     application.log,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "clean removed %d staged files\n", removed)
			return nil
		},
	}
}

func doList(ctx context.Context, backend afs.Filesystem, p string, out io.Writer) error {
	names, err := backend.ReadDir(ctx, p)
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		full := path.Join("/", p, name)
		attr, err := backend.GetAttr(ctx, full)
		if errors.Is(err, afs.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		line := fmt.Sprintf("%s %3d %5d %5d %10d %s %s", attr.FileMode(), attr.Nlink, attr.UID, attr.GID,
			attr.Size, attr.ModTime().Format("2006-01-02 15:04"), name)
		if attr.IsSymlink() {
			if target, err := backend.ReadLink(ctx, full); err == nil {
				line += " -> " + target
			}
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func doStat(ctx context.Context, backend afs.Filesystem, p string, out io.Writer) error {
	attr, err := backend.GetAttr(ctx, p)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "  File: %s\n", p)
	fmt.Fprintf(out, "  Size: %d\tLinks: %d\tInode: %d\tDevice: %d\n", attr.Size, attr.Nlink, attr.Ino, attr.Dev)
	fmt.Fprintf(out, "Access: (%04o/%s)\tUid: %d\tGid: %d\n", attr.Perm(), attr.FileMode(), attr.UID, attr.GID)
	fmt.Fprintf(out, "Access: %s\n", time.Unix(attr.Atime, 0).Format(time.RFC3339))
	fmt.Fprintf(out, "Modify: %s\n", time.Unix(attr.Mtime, 0).Format(time.RFC3339))
	fmt.Fprintf(out, "Change: %s\n", time.Unix(attr.Ctime, 0).Format(time.RFC3339))
	return nil
}

func doCat(ctx context.Context, backend afs.Filesystem, p string, offset, length int64, out io.Writer) error {
	if offset < 0 {
		return fmt.Errorf("invalid offset %d", offset)
	}
	if err := backend.Open(ctx, p, afs.OpenFlagReadOnly); err != nil {
		return err
	}
	attr, err := backend.GetAttr(ctx, p)
	if err != nil {
		return err
	}
	if attr.IsDir() {
		return fmt.Errorf("cat %s: is a directory", p)
	}
	end := attr.Size
	if length >= 0 && offset+length < end {
		end = offset + length
	}
	for pos := offset; pos < end; {
		size := end - pos
		if size > catBlock {
			size = catBlock
		}
		data, err := backend.Read(ctx, p, int(size), pos)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
		if _, err := out.Write(data); err != nil {
			return err
		}
		pos += int64(len(data))
	}
	return nil
}

func doChmod(ctx context.Context, backend afs.Filesystem, p, modeStr string) error {
	mode, err := parseMode(modeStr)
	if err != nil {
		return err
	}
	return backend.Chmod(ctx, p, mode)
}

func doChown(ctx context.Context, backend afs.Filesystem, p, spec string) error {
	user, group, err := parseOwner(spec)
	if err != nil {
		return err
	}
	return backend.Chown(ctx, p, user, group)
}

func doRemove(ctx context.Context, backend afs.Filesystem, p string) error {
	attr, err := backend.GetAttr(ctx, p)
	if err != nil {
		return err
	}
	if attr.IsDir() {
		return backend.Rmdir(ctx, p)
	}
	return backend.Unlink(ctx, p)
}

func parseMode(s string) (uint32, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(s), 8, 32)
	if err != nil || value > 0o7777 {
		return 0, fmt.Errorf("invalid mode %q", s)
	}
	return uint32(value), nil
}

// parseOwner splits "user[:group]". Names are passed through, so both
// numeric ids and device account names work.
func parseOwner(spec string) (user, group string, err error) {
	user, group, _ = strings.Cut(strings.TrimSpace(spec), ":")
	if user == "" {
		return "", "", fmt.Errorf("invalid owner spec %q", spec)
	}
	return user, group, nil
}
