// Package nfs exports the adbfs facade over NFSv3.
package nfs

import (
	"context"
	"fmt"
	"net"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog"
	nfsproto "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"

	afs "github.com/jacktea/adbfs/pkg/fs"
)

// Options control the exported NFS service.
type Options struct {
	// Export is the remote directory presented as the root (default "/").
	Export string
	// HandleCache controls how many active file handles are cached (default 1024).
	HandleCache int
	Logger      zerolog.Logger
}

// Serve exposes filesystem over NFS at addr using default options.
func Serve(ctx context.Context, filesystem afs.Filesystem, addr string) error {
	return ServeWithOptions(ctx, filesystem, addr, Options{})
}

// ServeWithOptions exposes filesystem over NFS with custom options.
func ServeWithOptions(ctx context.Context, filesystem afs.Filesystem, addr string, opts Options) error {
	if filesystem == nil {
		return fmt.Errorf("nfs: filesystem is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if addr == "" {
		addr = ":2049"
	}
	export := strings.TrimSpace(opts.Export)
	if export == "" {
		export = "/"
	}
	cacheSize := opts.HandleCache
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	bfs, err := newFilesystem(ctx, filesystem, export)
	if err != nil {
		return fmt.Errorf("nfs: %w", err)
	}
	handler := nfshelper.NewNullAuthHandler(bfs)
	handler = nfshelper.NewCachingHandler(handler, cacheSize)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("nfs: listen: %w", err)
	}
	opts.Logger.Info().Str("addr", l.Addr().String()).Str("export", export).Msg("nfs serving")
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	srv := &nfsproto.Server{
		Handler: handler,
		Context: ctx,
	}
	err = srv.Serve(l)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

var (
	_ billy.Filesystem = (*filesystem)(nil)
	_ billy.Change     = (*filesystem)(nil)
	_ billy.File       = (*file)(nil)
)
