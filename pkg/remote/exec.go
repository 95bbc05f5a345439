package remote

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/jacktea/adbfs/pkg/fs"
)

// Runner executes argv and returns its stdout and stderr. The default runner
// spawns a local process; tests substitute a scripted one.
type Runner func(ctx context.Context, argv []string) (stdout, stderr []byte, err error)

// ExecConfig configures the process-backed transport.
type ExecConfig struct {
	// ADB is the adb binary, "adb" when empty.
	ADB string
	// Serial selects a device when several are attached.
	Serial string
	// ShellCommand replaces "adb [-s SERIAL] shell". The remote command text is
	// appended as a single argument, e.g. "ssh phone" or "sh -c".
	ShellCommand string
	// PullCommand replaces "adb [-s SERIAL] pull". Source and destination are
	// appended as two arguments.
	PullCommand string
	Runner      Runner
}

// Exec implements Transport by running one shell command per operation.
type Exec struct {
	shell []string
	pull  []string
	run   Runner
}

// NewExec builds an Exec transport from cfg.
func NewExec(cfg ExecConfig) (*Exec, error) {
	adb := cfg.ADB
	if adb == "" {
		adb = "adb"
	}
	base := []string{adb}
	if cfg.Serial != "" {
		base = append(base, "-s", cfg.Serial)
	}
	shell, err := prefix(cfg.ShellCommand, append(append([]string{}, base...), "shell"))
	if err != nil {
		return nil, fmt.Errorf("shell command: %w", err)
	}
	pull, err := prefix(cfg.PullCommand, append(append([]string{}, base...), "pull"))
	if err != nil {
		return nil, fmt.Errorf("pull command: %w", err)
	}
	run := cfg.Runner
	if run == nil {
		run = runProcess
	}
	return &Exec{shell: shell, pull: pull, run: run}, nil
}

func prefix(custom string, fallback []string) ([]string, error) {
	if strings.TrimSpace(custom) == "" {
		return fallback, nil
	}
	argv, err := shlex.Split(custom)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, fs.ErrInvalid
	}
	return argv, nil
}

func runProcess(ctx context.Context, argv []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (e *Exec) shellRun(ctx context.Context, op, subject, command string) (string, error) {
	argv := append(append([]string{}, e.shell...), command)
	stdout, stderr, err := e.run(ctx, argv)
	return string(stdout), classify(ctx, op, subject, stdout, stderr, err)
}

func classify(ctx context.Context, op, subject string, stdout, stderr []byte, err error) error {
	// adb shell before Android 7 exits 0 even when the remote command failed,
	// so the diagnostic text is inspected regardless of err.
	if bytes.Contains(stderr, []byte("No such file or directory")) ||
		(bytes.Contains(stdout, []byte("No such file or directory")) && err != nil) {
		return fmt.Errorf("%s %s: %w", op, subject, fs.ErrNotFound)
	}
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s %s: %w", op, subject, ctxErr)
	}
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		msg = err.Error()
	}
	return fmt.Errorf("%s %s: %s: %w", op, subject, msg, fs.ErrTransport)
}

// Stat runs `stat -t` and returns its first output line.
func (e *Exec) Stat(ctx context.Context, p string) (string, error) {
	out, err := e.shellRun(ctx, "stat", p, "stat -t "+Quote(p))
	if err != nil {
		return "", err
	}
	if strings.Contains(out, "No such file or directory") {
		return "", fmt.Errorf("stat %s: %w", p, fs.ErrNotFound)
	}
	line, _, _ := strings.Cut(out, "\n")
	return strings.TrimRight(line, "\r"), nil
}

// List runs `ls --color=none -1` and returns its raw output.
func (e *Exec) List(ctx context.Context, p string) (string, error) {
	out, err := e.shellRun(ctx, "list", p, "ls --color=none -1 "+Quote(p))
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(out, "ls: ") && strings.Contains(out, "No such file or directory") {
		return "", fmt.Errorf("list %s: %w", p, fs.ErrNotFound)
	}
	return out, nil
}

// ReadLink runs `readlink` and returns its raw output.
func (e *Exec) ReadLink(ctx context.Context, p string) (string, error) {
	return e.shellRun(ctx, "readlink", p, "readlink "+Quote(p))
}

// StageChunk creates the staging directory, removes any previous staging
// file and runs dd on the device. dd must report its record counts: legacy
// adb shell exits 0 when the remote command failed.
func (e *Exec) StageChunk(ctx context.Context, req StageRequest) error {
	if req.BlockSize <= 0 || req.BlockCount <= 0 {
		return fmt.Errorf("stage %s: block size %d count %d: %w", req.Source, req.BlockSize, req.BlockCount, fs.ErrInvalid)
	}
	staging := Quote(req.Staging)
	command := fmt.Sprintf("mkdir -p %s && rm -f %s && dd if=%s of=%s bs=%d count=%d skip=%d",
		Quote(path.Dir(req.Staging)), staging, Quote(req.Source), staging,
		req.BlockSize, req.BlockCount, req.Skip())
	argv := append(append([]string{}, e.shell...), command)
	stdout, stderr, err := e.run(ctx, argv)
	if err := classify(ctx, "stage", req.Source, stdout, stderr, err); err != nil {
		return err
	}
	output := string(stdout) + string(stderr)
	if strings.Contains(output, "No such file or directory") {
		return fmt.Errorf("stage %s: %w", req.Source, fs.ErrNotFound)
	}
	if !strings.Contains(output, "records out") {
		msg := strings.TrimSpace(output)
		if msg == "" {
			msg = "dd reported nothing"
		}
		return fmt.Errorf("stage %s: %s: %w", req.Source, msg, fs.ErrTransport)
	}
	return nil
}

// Pull copies staging to local with the pull command.
func (e *Exec) Pull(ctx context.Context, staging, local string) error {
	argv := append(append([]string{}, e.pull...), staging, local)
	stdout, stderr, err := e.run(ctx, argv)
	return classify(ctx, "pull", staging, stdout, stderr, err)
}

// Mutate runs the shell command corresponding to m.
func (e *Exec) Mutate(ctx context.Context, m Mutation) error {
	command, err := MutationCommand(m)
	if err != nil {
		return err
	}
	_, err = e.shellRun(ctx, m.Kind.String(), m.Path, command)
	return err
}

// MutationCommand renders the remote shell command for m.
func MutationCommand(m Mutation) (string, error) {
	p := Quote(m.Path)
	switch m.Kind {
	case MutateUnlink:
		return "rm -f " + p, nil
	case MutateRmdir:
		return "rmdir " + p, nil
	case MutateSymlink:
		return "ln -s " + Quote(m.Target) + " " + p, nil
	case MutateRename:
		return "mv " + p + " " + Quote(m.Target), nil
	case MutateLink:
		return "ln " + p + " " + Quote(m.Target), nil
	case MutateChmod:
		return fmt.Sprintf("chmod %o %s", m.Mode&fs.ModePermMask, p), nil
	case MutateChown:
		owner := m.User
		if m.Group != "" {
			owner += ":" + m.Group
		}
		if owner == "" {
			return "", fmt.Errorf("chown %s: empty owner: %w", m.Path, fs.ErrInvalid)
		}
		return "chown " + Quote(owner) + " " + p, nil
	case MutateMkdir:
		return fmt.Sprintf("mkdir -m %o %s", m.Mode&fs.ModePermMask, p), nil
	case MutateUtime:
		return fmt.Sprintf("touch -a -d %s %s && touch -m -d %s %s",
			touchTime(m.ATime), p, touchTime(m.MTime), p), nil
	case MutateRemoveAll:
		return "rm -rf " + p, nil
	default:
		return "", fmt.Errorf("mutation %d: %w", m.Kind, fs.ErrNotSupported)
	}
}

func touchTime(t time.Time) string {
	return Quote(t.UTC().Format("2006-01-02T15:04:05Z"))
}
