// Package blob manages the local mirror files that hold pulled chunk windows.
package blob

import (
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/jacktea/adbfs/pkg/xerrors"
)

// Mirror maps remote paths onto files under a local root: the mirror of
// "/sdcard/a.txt" lives at root + "/sdcard/a.txt".
type Mirror struct {
	fs   afero.Fs
	root string
}

// NewMirror returns a Mirror rooted at root on fsys, creating root if needed.
func NewMirror(fsys afero.Fs, root string) (*Mirror, error) {
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "Mirror", "root")
	}
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "Mirror.mkdir", root, err)
	}
	return &Mirror{fs: fsys, root: root}, nil
}

// Root returns the local mirror root.
func (m *Mirror) Root() string { return m.root }

// Fs returns the filesystem the mirror lives on.
func (m *Mirror) Fs() afero.Fs { return m.fs }

// Path returns the local mirror path of remote. Dot-dot elements cannot
// escape the root.
func (m *Mirror) Path(remote string) string {
	return filepath.Join(m.root, filepath.FromSlash(path.Clean("/"+remote)))
}

// Prepare creates the parent directories of remote's mirror file and returns its path.
func (m *Mirror) Prepare(remote string) (string, error) {
	local := m.Path(remote)
	if err := m.fs.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return "", xerrors.Wrap(xerrors.KindInternal, "Mirror.prepare", local, err)
	}
	return local, nil
}

// ReadAt reads len(p) bytes of remote's mirror file starting at off.
// A short file yields a short count without error.
func (m *Mirror) ReadAt(remote string, p []byte, off int64) (int, error) {
	f, err := m.fs.Open(m.Path(remote))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.KindNotFound, "Mirror.read", remote, err)
	}
	defer f.Close()
	n, err := f.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, xerrors.Wrap(xerrors.KindInternal, "Mirror.read", remote, err)
	}
	return n, nil
}

// Size returns the size of remote's mirror file.
func (m *Mirror) Size(remote string) (int64, error) {
	info, err := m.fs.Stat(m.Path(remote))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.KindNotFound, "Mirror.stat", remote, err)
	}
	return info.Size(), nil
}

// Remove deletes remote's mirror file. A missing file is not an error.
func (m *Mirror) Remove(remote string) error {
	err := m.fs.Remove(m.Path(remote))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return xerrors.Wrap(xerrors.KindInternal, "Mirror.remove", remote, err)
	}
	return nil
}

// Purge deletes every mirror file and recreates an empty root.
func (m *Mirror) Purge() error {
	if err := m.fs.RemoveAll(m.root); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "Mirror.purge", m.root, err)
	}
	if err := m.fs.MkdirAll(m.root, 0o755); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "Mirror.purge", m.root, err)
	}
	return nil
}
