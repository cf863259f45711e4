package main

import (
	"bytes"
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"

	"walgroup/config"
	"walgroup/storage"
	"walgroup/storage/blockstore"
	"walgroup/storage/logdev"
	"walgroup/storage/pebblestore"
)

const stopTimeout = 30 * time.Second

type blockStore interface {
	storage.BlockWriter
	Tail() uint64
}

func main() {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	var (
		cfgPath string
		cfg     = &config.Config{}
	)

	rootCmd := &cobra.Command{
		Use:          "logdev",
		Short:        "Group-commit log device",
		Long:         "Runs concurrent appenders against a group-commit log device and reports completion stats.",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			*cfg = *loaded

			flags := cmd.Flags()
			if flags.Changed("dir") {
				cfg.Dir, _ = flags.GetString("dir")
			}
			if flags.Changed("backend") {
				cfg.Backend, _ = flags.GetString("backend")
			}
			if flags.Changed("writers") {
				cfg.Bench.Writers, _ = flags.GetInt("writers")
			}
			if flags.Changed("records") {
				cfg.Bench.Records, _ = flags.GetInt("records")
			}

			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(logger, cfg)
		},
	}

	rootCmd.Flags().StringVar(&cfgPath, "config", "", "path to a config file")
	rootCmd.Flags().String("dir", "data", "data directory")
	rootCmd.Flags().String("backend", config.BackendFile, "block store backend: file or pebble")
	rootCmd.Flags().Int("writers", 4, "number of concurrent appenders")
	rootCmd.Flags().Int("records", 100000, "records per appender, 0 runs until interrupted")

	if err := rootCmd.Execute(); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func openStore(logger log.Logger, registerer prometheus.Registerer, cfg *config.Config) (blockStore, func() error, error) {
	switch cfg.Backend {
	case config.BackendPebble:
		mode := pebblestore.FsyncModeAlways
		if cfg.Store.Fsync == "never" {
			mode = pebblestore.FsyncModeNever
		}

		s, err := pebblestore.Open(logger, pebblestore.Options{DataDir: filepath.Join(cfg.Dir, "pebble"), Fsync: mode})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		s, err := blockstore.Open(logger, registerer, filepath.Join(cfg.Dir, "groups"), cfg.Store.SegmentSize)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Stop, nil
	}
}

func run(logger log.Logger, cfg *config.Config) error {
	registerer := prometheus.NewRegistry()

	store, closeStore, err := openStore(logger, registerer, cfg)
	if err != nil {
		return errors.Wrap(err, "opening block store")
	}

	ld, err := logdev.New(logger, registerer, store, logdev.Options{
		FlushThresholdSize:   cfg.LogDev.FlushThresholdSize,
		TruncateIdxFrequency: cfg.LogDev.TruncateIdxFrequency,
		StartOffset:          store.Tail(),
	})
	if err != nil {
		closeStore()
		return err
	}

	var completed atomic.Int64
	ld.RegisterCallback(func(idx int64, offset uint64, ctx any) {
		completed.Inc()
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level.Info(logger).Log("msg", "log device started", "backend", cfg.Backend, "dir", cfg.Dir, "offset", store.Tail(), "writers", cfg.Bench.Writers)

	payload := bytes.Repeat([]byte("x"), cfg.Bench.PayloadSize)
	now := time.Now()

	var appended atomic.Int64
	wg := sync.WaitGroup{}
	for w := 0; w < cfg.Bench.Writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for i := 0; cfg.Bench.Records == 0 || i < cfg.Bench.Records; i++ {
				if ctx.Err() != nil {
					return
				}

				if _, err := ld.Append(payload, nil); err != nil {
					level.Error(logger).Log("msg", "append failed", "err", err)
					cancel()
					return
				}
				appended.Inc()
			}
		}()
	}
	wg.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()

	stopErr := ld.Stop(stopCtx)
	if err := closeStore(); err != nil {
		level.Error(logger).Log("msg", "closing block store", "err", err)
	}

	logger.Log("since", time.Since(now), "appended", appended.Load(), "completed", completed.Load(), "offset", store.Tail(), "msg", "records have been written")

	return stopErr
}
