package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openmined/synccore/internal/cloudclient"
	"github.com/openmined/synccore/internal/config"
	"github.com/openmined/synccore/internal/debris"
	"github.com/openmined/synccore/internal/fsaccess"
	"github.com/openmined/synccore/internal/lifecycle"
	"github.com/openmined/synccore/internal/reconcile"
	"github.com/openmined/synccore/internal/scanqueue"
	"github.com/openmined/synccore/internal/store"
	"github.com/openmined/synccore/internal/synctree"
	"github.com/openmined/synccore/internal/utils"
	"github.com/openmined/synccore/internal/version"
)

var (
	home, _        = os.UserHomeDir()
	configFileName = "config"
)

var rootCmd = &cobra.Command{
	Use:     "synccore",
	Short:   "Bidirectional file-sync engine",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &config.Config{
			Path:          viper.ConfigFileUsed(),
			DataDir:       viper.GetString("data_dir"),
			AccountID:     viper.GetString("account_id"),
			RemoteHandle:  viper.GetUint64("remote_handle"),
			StorePath:     viper.GetString("store_path"),
			DebrisDirName: viper.GetString("debris_dir"),
			NetworkFS:     viper.GetBool("network_fs"),
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		cmd.SilenceUsage = true
		slog.Info("starting", "version", version.ShortWithApp(), "dataDir", cfg.DataDir)

		defer slog.Info("Bye!")
		return runEngine(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("datadir", "d", config.DefaultDataDir, "Local directory to sync")
	rootCmd.Flags().StringP("account", "a", "", "Account id owning the remote subtree")
	rootCmd.Flags().Uint64P("remote", "r", 0, "Remote root handle")
	rootCmd.Flags().String("store", config.DefaultStorePath, "Sync-state database path")
	rootCmd.Flags().Bool("network-fs", false, "Treat the data dir as a network filesystem")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "Config file")
}

// runEngine assembles the whole sync stack around the loaded config and
// blocks until the context is canceled or the sync fails.
func runEngine(ctx context.Context, cfg *config.Config) error {
	fa := fsaccess.New()
	index := synctree.NewFsIDIndex()
	queue := scanqueue.New(scanqueue.NowDS)

	ignore := config.NewIgnoreList(cfg.DataDir)
	ignore.Load()

	db, err := store.NewSqliteDB(store.WithPath(cfg.StorePath))
	if err != nil {
		return fmt.Errorf("open store db: %w", err)
	}
	defer db.Close()

	rootFsID, err := fa.FsID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("stat sync root %s: %w", cfg.DataDir, err)
	}
	st, err := store.Open(db, store.TableName(rootFsID, cfg.RemoteHandle, cfg.AccountID))
	if err != nil {
		return err
	}

	root, err := lifecycle.Rehydrate(ctx, st, synctree.Config{
		LocalPath:    cfg.DataDir,
		RemoteHandle: synctree.RemoteHandle(cfg.RemoteHandle),
		AccountID:    cfg.AccountID,
		DebrisDir:    cfg.DebrisDirName,
	})
	if err != nil {
		return err
	}

	tag := fmt.Sprintf("%s:%d", cfg.AccountID, cfg.RemoteHandle)
	sync := lifecycle.New(tag, root, index, fa, nil, st, func(c lifecycle.StateChange) {
		slog.Info("sync state", "tag", c.Tag, "state", c.State, "error", c.Error)
	})
	commits := lifecycle.NewCommitQueue(sync)

	fsFp, _ := fa.FsFingerprint(cfg.DataDir)

	rec := reconcile.New(fa, cloudclient.Offline{}, index, debrisMover(fa, cfg), commits, caseSensitiveFS(), scanqueue.NowDS)
	rec.Root = root.RootNode
	rec.RootPath = cfg.DataDir
	rec.Ignore = ignore
	rec.FsFingerprint = fsFp

	watcher := fsaccess.NewWatcher(cfg.DataDir, cfg.NetworkFS, queue)
	engine := lifecycle.NewEngine(sync, rec, queue, watcher, commits, nil)

	return engine.Run(ctx)
}

func debrisMover(fa *fsaccess.FS, cfg *config.Config) *debris.Mover {
	return debris.New(fa, cfg.DataDir, cfg.DebrisDirName, time.Now)
}

func caseSensitiveFS() bool {
	// Case-preserving-insensitive filesystems are the default on the
	// platforms that ship them; everywhere else names are case-sensitive.
	switch runtime.GOOS {
	case "darwin", "windows":
		return false
	default:
		return true
	}
}

func main() {
	logFile := filepath.Join(home, ".synccore", "logs", "synccore.log")

	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		os.Exit(1)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	logInterceptor := utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(logInterceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// Do not include time as it is added by the log interceptor.
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	multiLogHandler := utils.NewMultiLogHandler(stdoutHandler, fileHandler)
	logger := slog.New(multiLogHandler)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".synccore"))
		viper.AddConfigPath(filepath.Join(home, ".config/synccore"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("data_dir", cmd.Flags().Lookup("datadir"))
	viper.BindPFlag("account_id", cmd.Flags().Lookup("account"))
	viper.BindPFlag("remote_handle", cmd.Flags().Lookup("remote"))
	viper.BindPFlag("store_path", cmd.Flags().Lookup("store"))
	viper.BindPFlag("network_fs", cmd.Flags().Lookup("network-fs"))

	viper.SetEnvPrefix("SYNCCORE")
	viper.AutomaticEnv()

	return nil
}
