package remote

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/adbfs/pkg/fs"
	"github.com/jacktea/adbfs/pkg/metrics"
)

type scriptedRunner struct {
	mu     sync.Mutex
	calls  [][]string
	stdout string
	stderr string
	err    error
}

func (s *scriptedRunner) run(_ context.Context, argv []string) ([]byte, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]string(nil), argv...))
	return []byte(s.stdout), []byte(s.stderr), s.err
}

func (s *scriptedRunner) last() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

func newExec(t *testing.T, cfg ExecConfig, r *scriptedRunner) *Exec {
	t.Helper()
	cfg.Runner = r.run
	e, err := NewExec(cfg)
	require.NoError(t, err)
	return e
}

func TestQuote(t *testing.T) {
	require.Equal(t, `'/sdcard/a b'`, Quote("/sdcard/a b"))
	require.Equal(t, `'/sdcard/it'\''s'`, Quote("/sdcard/it's"))
}

func TestExecPrefixes(t *testing.T) {
	r := &scriptedRunner{stdout: "x\n"}

	e := newExec(t, ExecConfig{Serial: "emulator-5554"}, r)
	_, err := e.ReadLink(context.Background(), "/sdcard/l")
	require.NoError(t, err)
	require.Equal(t, []string{"adb", "-s", "emulator-5554", "shell", "readlink '/sdcard/l'"}, r.last())

	require.NoError(t, e.Pull(context.Background(), "/data/local/tmp/adbfs/f", "/tmp/c/f"))
	require.Equal(t, []string{"adb", "-s", "emulator-5554", "pull", "/data/local/tmp/adbfs/f", "/tmp/c/f"}, r.last())

	e = newExec(t, ExecConfig{ShellCommand: `ssh -p 2222 "phone host"`, PullCommand: "scp-pull"}, r)
	_, err = e.List(context.Background(), "/")
	require.NoError(t, err)
	require.Equal(t, []string{"ssh", "-p", "2222", "phone host", "ls --color=none -1 '/'"}, r.last())
}

func TestExecStat(t *testing.T) {
	r := &scriptedRunner{stdout: "/sdcard/a 5000 16 81b0 0 0 fd00 42 1 0 0 1700000000 1700000001 1700000002 4096\r\nextra\n"}
	e := newExec(t, ExecConfig{}, r)

	line, err := e.Stat(context.Background(), "/sdcard/a")
	require.NoError(t, err)
	require.Equal(t, "/sdcard/a 5000 16 81b0 0 0 fd00 42 1 0 0 1700000000 1700000001 1700000002 4096", line)
	require.Equal(t, []string{"adb", "shell", "stat -t '/sdcard/a'"}, r.last())
}

func TestExecErrors(t *testing.T) {
	testcases := []struct {
		name   string
		runner *scriptedRunner
		want   error
	}{
		{
			name:   "missing on stderr",
			runner: &scriptedRunner{stderr: "stat: '/x': No such file or directory", err: errors.New("exit status 1")},
			want:   fs.ErrNotFound,
		},
		{
			name:   "legacy adb reports on stdout with exit 0",
			runner: &scriptedRunner{stdout: "stat: '/x': No such file or directory\n"},
			want:   fs.ErrNotFound,
		},
		{
			name:   "device offline",
			runner: &scriptedRunner{stderr: "error: device offline", err: errors.New("exit status 1")},
			want:   fs.ErrTransport,
		},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			e := newExec(t, ExecConfig{}, tc.runner)
			_, err := e.Stat(context.Background(), "/x")
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestExecStageChunk(t *testing.T) {
	r := &scriptedRunner{stderr: "1024+0 records in\n1024+0 records out\n"}
	e := newExec(t, ExecConfig{}, r)

	err := e.StageChunk(context.Background(), StageRequest{
		Source:     "/sdcard/big.bin",
		Staging:    "/data/local/tmp/adbfs/sdcard/big.bin",
		Offset:     2048,
		BlockSize:  1024,
		BlockCount: 1024,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"adb", "shell",
		"mkdir -p '/data/local/tmp/adbfs/sdcard' && rm -f '/data/local/tmp/adbfs/sdcard/big.bin' && " +
			"dd if='/sdcard/big.bin' of='/data/local/tmp/adbfs/sdcard/big.bin' bs=1024 count=1024 skip=2"}, r.last())

	err = e.StageChunk(context.Background(), StageRequest{Source: "/a", Staging: "/b", BlockSize: 0, BlockCount: 1})
	require.ErrorIs(t, err, fs.ErrInvalid)
}

func TestExecStageChunkSilentFailures(t *testing.T) {
	req := StageRequest{Source: "/sdcard/f", Staging: "/data/local/tmp/adbfs/sdcard/f", BlockSize: 1, BlockCount: 10}
	testcases := []struct {
		name   string
		runner *scriptedRunner
		want   error
	}{
		{
			name:   "legacy adb hides a dd failure",
			runner: &scriptedRunner{stdout: "dd: /data/local/tmp/adbfs/sdcard/f: Read-only file system\n"},
			want:   fs.ErrTransport,
		},
		{
			name:   "no output at all",
			runner: &scriptedRunner{},
			want:   fs.ErrTransport,
		},
		{
			name:   "legacy adb hides a missing source",
			runner: &scriptedRunner{stdout: "dd: /sdcard/f: No such file or directory\n"},
			want:   fs.ErrNotFound,
		},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			e := newExec(t, ExecConfig{}, tc.runner)
			require.ErrorIs(t, e.StageChunk(context.Background(), req), tc.want)
		})
	}
}

func TestStageRequestGeometry(t *testing.T) {
	req := StageRequest{Offset: 2500, BlockSize: 1024, BlockCount: 4}
	require.Equal(t, int64(2), req.Skip())
	require.Equal(t, int64(2048), req.Start())
	require.Equal(t, int64(4096), req.Length())

	bytewise := StageRequest{Offset: 2500, BlockSize: 1, BlockCount: 100}
	require.Equal(t, int64(2500), bytewise.Start())
}

func TestMutationCommand(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	testcases := []struct {
		m    Mutation
		want string
	}{
		{Mutation{Kind: MutateUnlink, Path: "/a"}, "rm -f '/a'"},
		{Mutation{Kind: MutateRmdir, Path: "/d"}, "rmdir '/d'"},
		{Mutation{Kind: MutateSymlink, Path: "/l", Target: "../t"}, "ln -s '../t' '/l'"},
		{Mutation{Kind: MutateRename, Path: "/a", Target: "/b"}, "mv '/a' '/b'"},
		{Mutation{Kind: MutateLink, Path: "/a", Target: "/h"}, "ln '/a' '/h'"},
		{Mutation{Kind: MutateChmod, Path: "/a", Mode: 0o100644}, "chmod 644 '/a'"},
		{Mutation{Kind: MutateChown, Path: "/a", User: "shell", Group: "sdcard_rw"}, "chown 'shell:sdcard_rw' '/a'"},
		{Mutation{Kind: MutateChown, Path: "/a", User: "1000"}, "chown '1000' '/a'"},
		{Mutation{Kind: MutateMkdir, Path: "/d", Mode: 0o755}, "mkdir -m 755 '/d'"},
		{Mutation{Kind: MutateUtime, Path: "/a", ATime: at, MTime: at.Add(time.Hour)},
			"touch -a -d '2024-01-02T03:04:05Z' '/a' && touch -m -d '2024-01-02T04:04:05Z' '/a'"},
		{Mutation{Kind: MutateRemoveAll, Path: "/data/local/tmp/adbfs"}, "rm -rf '/data/local/tmp/adbfs'"},
	}
	for _, tc := range testcases {
		got, err := MutationCommand(tc.m)
		require.NoError(t, err, tc.m.Kind.String())
		require.Equal(t, tc.want, got)
	}

	_, err := MutationCommand(Mutation{Kind: MutateChown, Path: "/a"})
	require.ErrorIs(t, err, fs.ErrInvalid)
	_, err = MutationCommand(Mutation{Kind: 99, Path: "/a"})
	require.ErrorIs(t, err, fs.ErrNotSupported)
}

func TestInstrumentLogsAndCounts(t *testing.T) {
	r := &scriptedRunner{stderr: "error: no devices/emulators found", err: errors.New("exit status 1")}
	e := newExec(t, ExecConfig{}, r)

	var buf bytes.Buffer
	collector := metrics.New()
	tr := Instrument(e, collector, zerolog.New(&buf).Level(zerolog.DebugLevel))

	_, err := tr.List(context.Background(), "/sdcard")
	require.ErrorIs(t, err, fs.ErrTransport)
	require.Contains(t, buf.String(), `"op":"list"`)
	require.Contains(t, buf.String(), `"path":"/sdcard"`)
	require.Contains(t, buf.String(), "no devices")
}
