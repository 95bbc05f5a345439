package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	afs "github.com/jacktea/adbfs/pkg/fs"
	"github.com/jacktea/adbfs/pkg/metrics"
	"github.com/jacktea/adbfs/pkg/server/fuse"
	"github.com/jacktea/adbfs/pkg/server/httpapi"
	"github.com/jacktea/adbfs/pkg/server/middleware"
	"github.com/jacktea/adbfs/pkg/server/nfs"
	"github.com/jacktea/adbfs/pkg/server/s3gw"
)

func newMountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mount [mountpoint]",
		Short: "Mount the device filesystem via FUSE",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mountpoint := viper.GetString("mount.mountpoint")
			if len(args) == 1 {
				mountpoint = args[0]
			}
			if mountpoint == "" {
				return errors.New("mount: a mountpoint is required")
			}
			stopSweep := application.startSweeper()
			defer stopSweep()
			return fuse.Mount(application.ctx, application.fs, mountpoint, fuse.MountOptions{
				FsName:       fsName(),
				AllowOther:   viper.GetBool("mount.allow_other"),
				Debug:        viper.GetBool("mount.debug"),
				AttrTimeout:  viper.GetDuration("mount.attr_timeout"),
				EntryTimeout: viper.GetDuration("mount.entry_timeout"),
				Logger:       application.log,
			})
		},
	}
	cmd.Flags().String("mountpoint", "", "directory to mount the filesystem on")
	cmd.Flags().Bool("allow-other", false, "allow other users to access the mount")
	cmd.Flags().Bool("debug", false, "log every FUSE request")
	cmd.Flags().Duration("attr-timeout", time.Second, "kernel attribute cache lifetime")
	cmd.Flags().Duration("entry-timeout", time.Second, "kernel entry cache lifetime")
	bindConfig("mount.mountpoint", cmd.Flags().Lookup("mountpoint"))
	bindConfig("mount.allow_other", cmd.Flags().Lookup("allow-other"))
	bindConfig("mount.debug", cmd.Flags().Lookup("debug"))
	bindConfig("mount.attr_timeout", cmd.Flags().Lookup("attr-timeout"))
	bindConfig("mount.entry_timeout", cmd.Flags().Lookup("entry-timeout"))
	return cmd
}

func newServeNFSCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-nfs",
		Short: "Expose the device filesystem over NFS",
		RunE: func(cmd *cobra.Command, args []string) error {
			stopSweep := application.startSweeper()
			defer stopSweep()
			return nfs.ServeWithOptions(application.ctx, application.fs, viper.GetString("serve_nfs.addr"), nfs.Options{
				Export:      viper.GetString("serve_nfs.export"),
				HandleCache: viper.GetInt("serve_nfs.handle_cache"),
				Logger:      application.log,
			})
		},
	}
	cmd.Flags().String("addr", ":2049", "listen address")
	cmd.Flags().String("export", "/sdcard", "device directory to export")
	cmd.Flags().Int("handle-cache", 1024, "number of cached NFS file handles")
	bindConfig("serve_nfs.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_nfs.export", cmd.Flags().Lookup("export"))
	bindConfig("serve_nfs.handle_cache", cmd.Flags().Lookup("handle-cache"))
	return cmd
}

type s3ServeOptions struct {
	Addr       string
	Bucket     string
	Root       string
	APIKey     string
	RateLimit  int
	RateWindow time.Duration
}

func newServeS3Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-s3",
		Short: "Expose a device directory as a read-only S3 bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := s3ServeOptions{
				Addr:       viper.GetString("serve_s3.addr"),
				Bucket:     viper.GetString("serve_s3.bucket"),
				Root:       viper.GetString("serve_s3.root"),
				APIKey:     viper.GetString("serve_s3.api_key"),
				RateLimit:  viper.GetInt("serve_s3.rate_limit"),
				RateWindow: viper.GetDuration("serve_s3.rate_window"),
			}
			stopSweep := application.startSweeper()
			defer stopSweep()
			return runServeS3(application.ctx, application.fs, application.log, opts)
		},
	}
	cmd.Flags().String("addr", ":9000", "listen address")
	cmd.Flags().String("bucket", s3gw.DefaultBucket, "bucket name exposed via the gateway")
	cmd.Flags().String("root", "/sdcard", "device directory backing the bucket")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key header)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	bindConfig("serve_s3.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_s3.bucket", cmd.Flags().Lookup("bucket"))
	bindConfig("serve_s3.root", cmd.Flags().Lookup("root"))
	bindConfig("serve_s3.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve_s3.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve_s3.rate_window", cmd.Flags().Lookup("rate-window"))
	return cmd
}

func runServeS3(ctx context.Context, filesystem afs.Filesystem, log zerolog.Logger, opt s3ServeOptions) error {
	s3Opts := s3gw.Options{
		Bucket: opt.Bucket,
		Root:   opt.Root,
		APIKey: opt.APIKey,
		Logger: &log,
	}
	if opt.RateLimit > 0 {
		s3Opts.RateLimit = middleware.RateLimitOptions{Requests: opt.RateLimit, Window: opt.RateWindow, PerClient: true}
	}
	server := &s3gw.Server{FS: filesystem, Opt: s3Opts}
	return server.Start(ctx, opt.Addr)
}

type httpServeOptions struct {
	Addr       string
	APIKey     string
	PageSize   int
	PageMax    int
	RateLimit  int
	RateWindow time.Duration
}

func newServeHTTPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-http",
		Short: "Expose the device filesystem and metrics over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := httpServeOptions{
				Addr:       viper.GetString("serve_http.addr"),
				APIKey:     viper.GetString("serve_http.api_key"),
				PageSize:   viper.GetInt("serve_http.page_size"),
				PageMax:    viper.GetInt("serve_http.page_max"),
				RateLimit:  viper.GetInt("serve_http.rate_limit"),
				RateWindow: viper.GetDuration("serve_http.rate_window"),
			}
			stopSweep := application.startSweeper()
			defer stopSweep()
			return newHTTPServer(opts).Start(application.ctx, opts.Addr)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key or Bearer token)")
	cmd.Flags().Int("page-size", 100, "default page size for directory listings")
	cmd.Flags().Int("page-max", 1000, "maximum page size for directory listings")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	bindConfig("serve_http.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_http.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve_http.page_size", cmd.Flags().Lookup("page-size"))
	bindConfig("serve_http.page_max", cmd.Flags().Lookup("page-max"))
	bindConfig("serve_http.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve_http.rate_window", cmd.Flags().Lookup("rate-window"))
	return cmd
}

func newHTTPServer(opt httpServeOptions) *httpapi.Server {
	return buildHTTPServer(application.fs, application.fs.Chunks(), application.metrics, application.log, opt)
}

func buildHTTPServer(filesystem afs.Filesystem, windows httpapi.WindowSource, collector *metrics.Collector, log zerolog.Logger, opt httpServeOptions) *httpapi.Server {
	httpOpts := httpapi.Options{
		APIKey:          opt.APIKey,
		DefaultPageSize: opt.PageSize,
		MaxPageSize:     opt.PageMax,
	}
	if opt.RateLimit > 0 {
		httpOpts.RateLimit = middleware.RateLimitOptions{Requests: opt.RateLimit, Window: opt.RateWindow, PerClient: true}
	}
	return &httpapi.Server{
		FS:      filesystem,
		Windows: windows,
		Metrics: collector.Handler(),
		Log:     &log,
		Opts:    httpOpts,
	}
}

func fsName() string {
	if serial := viper.GetString("serial"); serial != "" {
		return "adbfs:" + serial
	}
	return "adbfs"
}
