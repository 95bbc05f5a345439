package meta

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jacktea/adbfs/pkg/fs"
)

// StatFields is the number of tokens `stat -t` prints after the path.
const StatFields = 14

// Token positions inside a `stat -t` line once the path echo is stripped.
const (
	fieldSize  = 0
	fieldMode  = 2
	fieldUID   = 3
	fieldGID   = 4
	fieldDev   = 5
	fieldIno   = 6
	fieldNlink = 7
	fieldAtime = 10
	fieldMtime = 11
	fieldCtime = 12
)

// ParseStatLine parses the terse status line of path. Mode and device are
// hexadecimal, everything else decimal. Any token count other than
// StatFields, or an unparsable number, is an error.
func ParseStatLine(path, line string) (fs.FileAttr, error) {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, path)
	fields := strings.Fields(line)
	if len(fields) != StatFields {
		return fs.FileAttr{}, fmt.Errorf("stat line has %d fields, want %d", len(fields), StatFields)
	}
	p := fieldParser{fields: fields}
	attr := fs.FileAttr{
		Size:  p.signed(fieldSize),
		Mode:  uint32(p.unsigned(fieldMode, 16, 32)),
		UID:   uint32(p.unsigned(fieldUID, 10, 32)),
		GID:   uint32(p.unsigned(fieldGID, 10, 32)),
		Dev:   p.unsigned(fieldDev, 16, 64),
		Ino:   p.unsigned(fieldIno, 10, 64),
		Nlink: uint32(p.unsigned(fieldNlink, 10, 32)),
		Atime: p.signed(fieldAtime),
		Mtime: p.signed(fieldMtime),
		Ctime: p.signed(fieldCtime),
	}
	if p.err != nil {
		return fs.FileAttr{}, p.err
	}
	return attr, nil
}

type fieldParser struct {
	fields []string
	err    error
}

func (p *fieldParser) unsigned(idx, base, bits int) uint64 {
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(p.fields[idx], base, bits)
	if err != nil {
		p.err = fmt.Errorf("stat field %d: %w", idx, err)
	}
	return v
}

func (p *fieldParser) signed(idx int) int64 {
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseInt(p.fields[idx], 10, 64)
	if err != nil {
		p.err = fmt.Errorf("stat field %d: %w", idx, err)
	}
	return v
}

// ParseListing splits raw `ls -1` output into names, keeping the remote
// order and any "." or ".." entries. Carriage returns and blank lines are dropped.
func ParseListing(out string) []string {
	lines := strings.Split(out, "\n")
	names := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	return names
}
