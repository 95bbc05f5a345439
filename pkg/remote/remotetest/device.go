// Package remotetest provides an in-memory device implementing
// remote.Transport with call counters, failure injection and a latency gate.
package remotetest

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/jacktea/adbfs/pkg/fs"
	"github.com/jacktea/adbfs/pkg/remote"
)

// Operation names used by Calls and Fail. Mutations use Mutation.Kind.String().
const (
	OpStat     = "stat"
	OpList     = "list"
	OpReadLink = "readlink"
	OpStage    = "stage"
	OpPull     = "pull"
)

// Node is one entry of the fake device tree.
type Node struct {
	Mode   uint32
	Data   []byte
	Target string
	UID    uint32
	GID    uint32
	Ino    uint64
	Nlink  uint32
	Atime  int64
	Mtime  int64
	Ctime  int64
}

// Device is a scripted remote device. Pull writes into Local.
type Device struct {
	Local afero.Fs
	// ShowDots makes List emit "." and ".." first, as some toolboxes do.
	ShowDots bool

	mu       sync.Mutex
	nodes    map[string]*Node
	staged   map[string][]byte
	calls    map[string]int
	failures map[string]error
	gate     chan struct{}
	entered  chan string
	nextIno  uint64
}

var _ remote.Transport = (*Device)(nil)

// NewDevice returns a device holding only "/".
func NewDevice(local afero.Fs) *Device {
	if local == nil {
		local = afero.NewMemMapFs()
	}
	d := &Device{
		Local:    local,
		nodes:    make(map[string]*Node),
		staged:   make(map[string][]byte),
		calls:    make(map[string]int),
		failures: make(map[string]error),
		nextIno:  1,
	}
	d.nodes["/"] = d.newNode(fs.ModeDir|0o755, nil, "")
	return d
}

func (d *Device) newNode(mode uint32, data []byte, target string) *Node {
	d.nextIno++
	now := time.Unix(1_700_000_000, 0).Unix()
	nlink := uint32(1)
	if mode&fs.ModeTypeMask == fs.ModeDir {
		nlink = 2
	}
	return &Node{Mode: mode, Data: data, Target: target, Ino: d.nextIno, Nlink: nlink, Atime: now, Mtime: now, Ctime: now}
}

func (d *Device) ensureParents(p string) {
	dir := path.Dir(p)
	if dir == p {
		return
	}
	if _, ok := d.nodes[dir]; !ok {
		d.ensureParents(dir)
		d.nodes[dir] = d.newNode(fs.ModeDir|0o755, nil, "")
	}
}

// AddFile creates or replaces a regular file, creating parent directories.
func (d *Device) AddFile(p string, data []byte, perm uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureParents(p)
	d.nodes[p] = d.newNode(fs.ModeRegular|perm&fs.ModePermMask, append([]byte(nil), data...), "")
}

// AddDir creates a directory and its parents.
func (d *Device) AddDir(p string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureParents(p)
	if _, ok := d.nodes[p]; !ok {
		d.nodes[p] = d.newNode(fs.ModeDir|0o755, nil, "")
	}
}

// AddSymlink creates a symbolic link.
func (d *Device) AddSymlink(p, target string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureParents(p)
	d.nodes[p] = d.newNode(fs.ModeSymlink|0o777, nil, target)
}

// Lookup returns a copy of the node at p.
func (d *Device) Lookup(p string) (Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[p]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Staged returns the bytes of a device staging file.
func (d *Device) Staged(p string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.staged[p]
	return b, ok
}

// Calls reports how many times op was invoked.
func (d *Device) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// ResetCalls zeroes every counter.
func (d *Device) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = make(map[string]int)
}

// Fail makes every subsequent op call return err; a nil err clears it.
func (d *Device) Fail(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures, op)
		return
	}
	d.failures[op] = err
}

// Hold blocks every StageChunk until release is called. Each blocked call
// first sends its source path on entered.
func (d *Device) Hold() (entered <-chan string, release func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	gate := make(chan struct{})
	ch := make(chan string, 64)
	d.gate = gate
	d.entered = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			if d.gate == gate {
				d.gate = nil
				d.entered = nil
			}
			d.mu.Unlock()
			close(gate)
		})
	}
}

func (d *Device) begin(op string) error {
	d.calls[op]++
	if err := d.failures[op]; err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func notFound(op, p string) error {
	return fmt.Errorf("%s %s: %w", op, p, fs.ErrNotFound)
}

// StatLine renders n the way `stat -t` prints it.
func StatLine(p string, n Node) string {
	size := int64(len(n.Data))
	if n.Mode&fs.ModeTypeMask == fs.ModeSymlink {
		size = int64(len(n.Target))
	}
	return fmt.Sprintf("%s %d %d %x %d %d %x %d %d %x %x %d %d %d %d",
		p, size, (size+511)/512, n.Mode, n.UID, n.GID, 0xfd00, n.Ino, n.Nlink, 0, 0,
		n.Atime, n.Mtime, n.Ctime, 4096)
}

func (d *Device) Stat(_ context.Context, p string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(OpStat); err != nil {
		return "", err
	}
	n, ok := d.nodes[p]
	if !ok {
		return "", notFound(OpStat, p)
	}
	return StatLine(p, *n), nil
}

func (d *Device) children(dir string) []string {
	var names []string
	for p := range d.nodes {
		if p != "/" && path.Dir(p) == dir {
			names = append(names, path.Base(p))
		}
	}
	sort.Strings(names)
	return names
}

func (d *Device) List(_ context.Context, p string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(OpList); err != nil {
		return "", err
	}
	n, ok := d.nodes[p]
	if !ok {
		return "", notFound(OpList, p)
	}
	if n.Mode&fs.ModeTypeMask != fs.ModeDir {
		return p + "\n", nil
	}
	names := d.children(p)
	if d.ShowDots {
		names = append([]string{".", ".."}, names...)
	}
	if len(names) == 0 {
		return "", nil
	}
	return strings.Join(names, "\n") + "\n", nil
}

func (d *Device) ReadLink(_ context.Context, p string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(OpReadLink); err != nil {
		return "", err
	}
	n, ok := d.nodes[p]
	if !ok || n.Mode&fs.ModeTypeMask != fs.ModeSymlink {
		return "", notFound(OpReadLink, p)
	}
	return n.Target + "\n", nil
}

func (d *Device) StageChunk(ctx context.Context, req remote.StageRequest) error {
	d.mu.Lock()
	if err := d.begin(OpStage); err != nil {
		d.mu.Unlock()
		return err
	}
	gate, entered := d.gate, d.entered
	d.mu.Unlock()

	if gate != nil {
		entered <- req.Source
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[req.Source]
	if !ok {
		return notFound(OpStage, req.Source)
	}
	start := req.Start()
	end := start + req.Length()
	size := int64(len(n.Data))
	if start > size {
		start = size
	}
	if end > size {
		end = size
	}
	d.staged[req.Staging] = append([]byte(nil), n.Data[start:end]...)
	return nil
}

func (d *Device) Pull(_ context.Context, staging, local string) error {
	d.mu.Lock()
	if err := d.begin(OpPull); err != nil {
		d.mu.Unlock()
		return err
	}
	data, ok := d.staged[staging]
	d.mu.Unlock()
	if !ok {
		return notFound(OpPull, staging)
	}
	if err := afero.WriteFile(d.Local, local, data, 0o644); err != nil {
		return fmt.Errorf("pull %s: %v: %w", staging, err, fs.ErrTransport)
	}
	return nil
}

func (d *Device) Mutate(_ context.Context, m remote.Mutation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	op := m.Kind.String()
	if err := d.begin(op); err != nil {
		return err
	}
	n, exists := d.nodes[m.Path]
	switch m.Kind {
	case remote.MutateUnlink:
		if _, ok := d.staged[m.Path]; ok && !exists {
			delete(d.staged, m.Path)
			return nil
		}
		if !exists {
			return notFound(op, m.Path)
		}
		if n.Mode&fs.ModeTypeMask == fs.ModeDir {
			return fmt.Errorf("%s %s: is a directory: %w", op, m.Path, fs.ErrTransport)
		}
		n.Nlink--
		delete(d.nodes, m.Path)
	case remote.MutateRmdir:
		if !exists {
			return notFound(op, m.Path)
		}
		if len(d.children(m.Path)) > 0 {
			return fmt.Errorf("%s %s: directory not empty: %w", op, m.Path, fs.ErrTransport)
		}
		delete(d.nodes, m.Path)
	case remote.MutateSymlink:
		if exists {
			return fmt.Errorf("%s %s: file exists: %w", op, m.Path, fs.ErrTransport)
		}
		if _, ok := d.nodes[path.Dir(m.Path)]; !ok {
			return notFound(op, m.Path)
		}
		d.nodes[m.Path] = d.newNode(fs.ModeSymlink|0o777, nil, m.Target)
	case remote.MutateRename:
		if !exists {
			return notFound(op, m.Path)
		}
		moved := make(map[string]*Node)
		for p, child := range d.nodes {
			if p == m.Path || strings.HasPrefix(p, m.Path+"/") {
				moved[m.Target+strings.TrimPrefix(p, m.Path)] = child
				delete(d.nodes, p)
			}
		}
		for p, child := range moved {
			d.nodes[p] = child
		}
	case remote.MutateLink:
		if !exists {
			return notFound(op, m.Path)
		}
		n.Nlink++
		d.nodes[m.Target] = n
	case remote.MutateChmod:
		if !exists {
			return notFound(op, m.Path)
		}
		n.Mode = n.Mode&fs.ModeTypeMask | m.Mode&fs.ModePermMask
	case remote.MutateChown:
		if !exists {
			return notFound(op, m.Path)
		}
		if uid, err := strconv.ParseUint(m.User, 10, 32); err == nil {
			n.UID = uint32(uid)
		}
		if gid, err := strconv.ParseUint(m.Group, 10, 32); err == nil {
			n.GID = uint32(gid)
		}
	case remote.MutateMkdir:
		if exists {
			return fmt.Errorf("%s %s: file exists: %w", op, m.Path, fs.ErrTransport)
		}
		if _, ok := d.nodes[path.Dir(m.Path)]; !ok {
			return notFound(op, m.Path)
		}
		d.nodes[m.Path] = d.newNode(fs.ModeDir|m.Mode&fs.ModePermMask, nil, "")
	case remote.MutateUtime:
		if !exists {
			return notFound(op, m.Path)
		}
		n.Atime = m.ATime.Unix()
		n.Mtime = m.MTime.Unix()
	case remote.MutateRemoveAll:
		for p := range d.nodes {
			if p == m.Path || strings.HasPrefix(p, m.Path+"/") {
				delete(d.nodes, p)
			}
		}
		for p := range d.staged {
			if p == m.Path || strings.HasPrefix(p, m.Path+"/") {
				delete(d.staged, p)
			}
		}
	default:
		return fmt.Errorf("%s: %w", op, fs.ErrNotSupported)
	}
	return nil
}
