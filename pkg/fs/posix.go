package fs

import (
	"os"
	"time"
)

// Mode type bits as reported by stat(2).
const (
	ModeTypeMask  uint32 = 0o170000
	ModeSocket    uint32 = 0o140000
	ModeSymlink   uint32 = 0o120000
	ModeRegular   uint32 = 0o100000
	ModeBlockDev  uint32 = 0o060000
	ModeDir       uint32 = 0o040000
	ModeCharDev   uint32 = 0o020000
	ModeFIFO      uint32 = 0o010000
	ModePermMask  uint32 = 0o7777
	RootDirMode          = ModeDir | 0o755
	RootDirNlinks uint32 = 2
)

// OpenFlags enumerates the access part of POSIX open(2) flags.
type OpenFlags uint32

const (
	OpenFlagReadOnly  OpenFlags = 0
	OpenFlagWriteOnly OpenFlags = 1
	OpenFlagReadWrite OpenFlags = 2
	OpenFlagAccMode   OpenFlags = 3
)

// ReadOnly reports whether the access mode requests read access only.
func (f OpenFlags) ReadOnly() bool { return f&OpenFlagAccMode == OpenFlagReadOnly }

// FileAttr is an immutable attribute snapshot of one remote path.
// Timestamps are seconds since the epoch.
type FileAttr struct {
	Mode  uint32
	Size  int64
	UID   uint32
	GID   uint32
	Dev   uint64
	Ino   uint64
	Nlink uint32
	Atime int64
	Mtime int64
	Ctime int64
}

func (a FileAttr) IsDir() bool     { return a.Mode&ModeTypeMask == ModeDir }
func (a FileAttr) IsSymlink() bool { return a.Mode&ModeTypeMask == ModeSymlink }
func (a FileAttr) IsRegular() bool { return a.Mode&ModeTypeMask == ModeRegular }

// Perm returns the permission bits including setuid/setgid/sticky.
func (a FileAttr) Perm() uint32 { return a.Mode & ModePermMask }

// ModTime converts Mtime to time.Time.
func (a FileAttr) ModTime() time.Time { return time.Unix(a.Mtime, 0) }

// FileMode converts the raw stat mode to an os.FileMode.
func (a FileAttr) FileMode() os.FileMode {
	mode := os.FileMode(a.Mode & 0o777)
	switch a.Mode & ModeTypeMask {
	case ModeDir:
		mode |= os.ModeDir
	case ModeSymlink:
		mode |= os.ModeSymlink
	case ModeFIFO:
		mode |= os.ModeNamedPipe
	case ModeSocket:
		mode |= os.ModeSocket
	case ModeCharDev:
		mode |= os.ModeDevice | os.ModeCharDevice
	case ModeBlockDev:
		mode |= os.ModeDevice
	}
	if a.Mode&0o4000 != 0 {
		mode |= os.ModeSetuid
	}
	if a.Mode&0o2000 != 0 {
		mode |= os.ModeSetgid
	}
	if a.Mode&0o1000 != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// RootAttr is the synthesized attribute of "/", which is never queried remotely.
func RootAttr() FileAttr {
	return FileAttr{Mode: RootDirMode, Nlink: RootDirNlinks}
}
