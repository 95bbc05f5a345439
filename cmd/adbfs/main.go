package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/adbfs/pkg/chunk"
	"github.com/jacktea/adbfs/pkg/gc"
	"github.com/jacktea/adbfs/pkg/metrics"
	"github.com/jacktea/adbfs/pkg/remote"
	"github.com/jacktea/adbfs/pkg/staging"
	"github.com/jacktea/adbfs/pkg/vfs"
)

type app struct {
	ctx       context.Context
	stop      context.CancelFunc
	log       zerolog.Logger
	metrics   *metrics.Collector
	transport remote.Transport
	ledger    *staging.Ledger
	fs        *vfs.FS
}

func (a *app) ensureBackend() error {
	if a.fs != nil {
		return nil
	}
	a.ctx, a.stop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a.log = newLogger(viper.GetString("log_level"))
	a.metrics = metrics.New()

	exec, err := remote.NewExec(remote.ExecConfig{
		ADB:          viper.GetString("adb"),
		Serial:       viper.GetString("serial"),
		ShellCommand: viper.GetString("shell_command"),
		PullCommand:  viper.GetString("pull_command"),
	})
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	a.transport = remote.Instrument(exec, a.metrics, a.log)

	localRoot := viper.GetString("local_cache_root")
	if localRoot == "" {
		localRoot = vfs.DefaultLocalRoot()
	}
	ledgerFile := ledgerPath(localRoot, viper.GetString("ledger"))
	if err := os.MkdirAll(filepath.Dir(ledgerFile), 0o755); err != nil {
		return fmt.Errorf("ledger dir: %w", err)
	}
	a.ledger, err = staging.Open(staging.Config{Path: ledgerFile})
	if err != nil {
		return err
	}

	a.fs, err = vfs.New(a.transport, vfs.Options{
		MetadataTTL:  viper.GetDuration("meta_cache_ttl"),
		DirectoryTTL: viper.GetDuration("dir_cache_ttl"),
		MaxEntries:   viper.GetInt("cache_max_entries"),
		BlockSize:    viper.GetInt64("block_size"),
		BlockCount:   viper.GetInt64("block_count"),
		WaitTimeout:  viper.GetDuration("wait_timeout"),
		LocalRoot:    localRoot,
		DeviceRoot:   viper.GetString("device_cache_root"),
		Mirror:       afero.NewOsFs(),
		Ledger:       a.ledger,
		Metrics:      a.metrics,
		Logger:       a.log,
	})
	if err != nil {
		return fmt.Errorf("init filesystem: %w", err)
	}
	return nil
}

// startSweeper runs the idle-window sweeper for long-lived commands.
func (a *app) startSweeper() context.CancelFunc {
	sweeper := gc.NewSweeper(gc.Options{
		Chunks:  a.fs.Chunks(),
		Pruners: []gc.Pruner{a.fs.Attrs(), a.fs.Dirs()},
		Idle:    viper.GetDuration("sweep_idle"),
		Logger:  a.log,
	})
	return sweeper.Start(a.ctx, viper.GetDuration("sweep_interval"))
}

func (a *app) close() {
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close ledger")
		}
	}
	if a.stop != nil {
		a.stop()
	}
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "adbfs",
		Short:         "Browse an Android device filesystem over adb",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureBackend()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	err := rootCmd.Execute()
	application.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("adbfs")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "adbfs"))
		}
	}
	viper.SetEnvPrefix("ADBFS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	flags.String("adb", "adb", "adb binary")
	flags.StringP("serial", "s", "", "device serial when several are attached")
	flags.String("shell-command", "", "command prefix replacing 'adb shell', e.g. 'ssh phone'")
	flags.String("pull-command", "", "command prefix replacing 'adb pull'")

	flags.String("local-cache-root", vfs.DefaultLocalRoot(), "local directory holding mirror files")
	flags.String("device-cache-root", chunk.DefaultDeviceRoot, "dedicated device directory holding staging files (not /; clean removes it)")
	flags.String("ledger", "", "staging ledger file (default <local-cache-root>.db)")

	flags.Duration("dir-cache-ttl", 180*time.Second, "directory listing cache lifetime")
	flags.Duration("meta-cache-ttl", 180*time.Second, "attribute cache lifetime")
	flags.Int("cache-max-entries", 65536, "entries kept by each metadata cache")
	flags.Int64("block-size", chunk.DefaultBlockSize, "staging block size in bytes")
	flags.Int64("block-count", chunk.DefaultBlockCount, "blocks staged per refresh")
	flags.Duration("wait-timeout", 0, "bound on waiting for another reader's refresh (0 waits indefinitely)")

	flags.Duration("sweep-interval", time.Minute, "interval between idle window sweeps")
	flags.Duration("sweep-idle", gc.DefaultIdle, "idle time after which a window is dropped")
	flags.String("log-level", "info", "log level: debug|info|warn|error")

	for _, name := range []string{
		"adb", "serial", "shell-command", "pull-command",
		"local-cache-root", "device-cache-root", "ledger",
		"dir-cache-ttl", "meta-cache-ttl", "cache-max-entries",
		"block-size", "block-count", "wait-timeout",
		"sweep-interval", "sweep-idle", "log-level",
	} {
		bindConfig(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}
}

func initCommands() {
	rootCmd.AddCommand(
		newMountCmd(),
		newServeNFSCmd(),
		newServeS3Cmd(),
		newServeHTTPCmd(),
		newLsCmd(),
		newStatCmd(),
		newCatCmd(),
		newReadlinkCmd(),
		newChmodCmd(),
		newChownCmd(),
		newRenameCmd(),
		newMkdirCmd(),
		newRmCmd(),
		newCleanCmd(),
	)
}

// ledgerPath defaults to a sibling of the mirror root, so purging the
// mirror never removes the open ledger.
func ledgerPath(localRoot, configured string) string {
	if configured != "" {
		return configured
	}
	return filepath.Clean(localRoot) + ".db"
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).With().Timestamp().Logger()
}
