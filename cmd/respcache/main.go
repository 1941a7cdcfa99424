// Command respcache serves a response cache over stdin/stdout using the
// line-delimited JSON protocol of respcache.Server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmgilman/go/fs/billy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/richardartoul/respcache"
	"github.com/richardartoul/respcache/backends"
	"github.com/richardartoul/respcache/pkg/locking"
	"github.com/richardartoul/respcache/pkg/logging"
	"github.com/richardartoul/respcache/pkg/metrics"
	"github.com/richardartoul/respcache/pkg/settings"
)

type options struct {
	configPath   string
	logLevel     string
	logFile      string
	remoteBucket string
	remotePrefix string
	cleanOnly    bool
	printStats   bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	flags := pflag.NewFlagSet("respcache", pflag.ContinueOnError)
	flags.StringVar(&opts.configPath, "config", settings.DefaultConfigPath(), "path to the INI config store")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFile, "log-file", "", "write logs to this file instead of stderr")
	flags.StringVar(&opts.remoteBucket, "remote-bucket", "", "S3 bucket used as a shared remote tier")
	flags.StringVar(&opts.remotePrefix, "remote-prefix", "respcache", "key prefix inside the remote bucket")
	flags.BoolVar(&opts.cleanOnly, "clean", false, "reconcile the cache once and exit")
	flags.BoolVar(&opts.printStats, "stats", false, "print cache statistics to stderr on exit")
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "respcache: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(logging.Config{Level: opts.logLevel, FilePath: opts.logFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "respcache: %v\n", err)
		os.Exit(2)
	}

	if err := run(opts, logger); err != nil {
		logger.WithField("error", err).Error("respcache exited with error")
		os.Exit(1)
	}
}

func run(opts options, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fsys := billy.NewLocal()
	store := settings.OpenViperStore(opts.configPath, logger)
	s := settings.NewResolver(store, fsys, logger).Settings()

	locks, err := locking.NewFlockGroup(fsys, s.Directory)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector("respcache")
	if err := collector.Register(prometheus.DefaultRegisterer); err != nil {
		logger.WithField("error", err).Warn("failed to register metrics")
	}

	cacheOpts := []respcache.Option{
		respcache.WithFS(fsys),
		respcache.WithLogger(logger),
		respcache.WithLockGroup(locks),
		respcache.WithCollector(collector),
	}
	if opts.remoteBucket != "" {
		var remote backends.Backend
		remote, err = backends.NewS3(ctx, opts.remoteBucket, opts.remotePrefix)
		if err != nil {
			return err
		}
		if logger.IsLevelEnabled(logrus.DebugLevel) {
			remote = backends.NewDebug(remote, logger)
		}
		cacheOpts = append(cacheOpts, respcache.WithRemote(remote))
	}

	cache, err := respcache.New(s, cacheOpts...)
	if err != nil {
		return err
	}
	defer cache.Close()

	logger.WithFields(logrus.Fields{
		"action":            "start",
		"directory":         s.Directory,
		"expiration_length": s.ExpirationLength.String(),
		"max_size":          s.MaxSizeBytes,
		"compression":       s.CompressionEnabled,
	}).Info("cache opened")

	if opts.printStats {
		defer func() {
			stats, err := cache.Stats(context.Background())
			if err != nil {
				logger.WithField("error", err).Warn("failed to collect stats")
				return
			}
			fmt.Fprint(os.Stderr, stats.String())
		}()
	}

	if opts.cleanOnly {
		_, err := cache.Clean(ctx)
		return err
	}

	return respcache.NewServer(cache, os.Stdin, os.Stdout, logger).Run(ctx)
}
