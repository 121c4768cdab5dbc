package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/siftdev/sift"
	"github.com/siftdev/sift/internal/config"
	"github.com/siftdev/sift/internal/log"
)

var version = "dev"

// usageError marks argument and flag mistakes so run can exit 2 for
// them and keep 1 for build failures.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func main() {
	os.Exit(run())
}

func run() int {
	var (
		execCommand string
		extensions  []string
		targetExt   string
		jobs        int
		persist     bool
		cacheRoot   string
		verbose     bool
		quiet       bool
		showVersion bool
	)

	rootCmd := &cobra.Command{
		Use:   "sift [flags] <source> <destination>",
		Short: "Incrementally apply a per-file command to a directory tree",
		Long: `sift mirrors <source> into <destination>, piping each matching file
through the --exec command. Each run visits every file; with --persist,
files whose contents and path match an earlier run are served from the
on-disk cache instead of re-running the command. Outputs of source files
deleted since an earlier run are not removed.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return nil
			}
			if len(args) != 2 {
				return &usageError{fmt.Errorf("expected <source> and <destination>, got %d args", len(args))}
			}
			if execCommand == "" {
				return &usageError{fmt.Errorf("--exec is required")}
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Println("sift", version)
				return nil
			}

			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(log.NewHandler(nil, level, ""))

			cfg, err := config.Load()
			if err != nil {
				logger.Warn("config file ignored", "error", err)
			}
			applyDefaults(cfg, cmd, &jobs, &persist, &extensions, &targetExt, &cacheRoot)

			tf := &execTransform{command: execCommand, baseDir: args[0]}
			filter, err := sift.New(tf, sift.Options{
				Name:            "sift-exec",
				Persist:         persist,
				Extensions:      extensions,
				TargetExtension: targetExt,
				Async:           true,
				Concurrency:     jobs,
				CacheRoot:       cacheRoot,
				Logger:          logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := filter.Build(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if !quiet {
				fmt.Fprintln(os.Stderr, res.Stats)
			}
			return nil
		},
	}

	rootCmd.Flags().StringVar(&execCommand, "exec", "", "shell command run per file (stdin -> stdout, $SIFT_FILE set)")
	rootCmd.Flags().StringSliceVar(&extensions, "ext", nil, "file extensions to process (default: all files)")
	rootCmd.Flags().StringVar(&targetExt, "target-ext", "", "rewrite processed files to this extension")
	rootCmd.Flags().IntVarP(&jobs, "jobs", "j", 0, "worker concurrency (default: JOBS env or NumCPU-1)")
	rootCmd.Flags().BoolVar(&persist, "persist", false, "cache transform results on disk across runs")
	rootCmd.Flags().StringVar(&cacheRoot, "cache-root", "", "persistent cache directory")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress the stats summary")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	// Bad flags are usage errors too.
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err}
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sift:", err)
		var uerr *usageError
		if errors.As(err, &uerr) {
			return 2
		}
		return 1
	}
	return 0
}

// applyDefaults fills unset flags from the optional config file.
func applyDefaults(cfg config.Config, cmd *cobra.Command, jobs *int, persist *bool, extensions *[]string, targetExt, cacheRoot *string) {
	d := cfg.Defaults
	if d.Jobs != nil && !cmd.Flags().Changed("jobs") {
		*jobs = *d.Jobs
	}
	if d.Persist != nil && !cmd.Flags().Changed("persist") {
		*persist = *d.Persist
	}
	if d.Extensions != nil && !cmd.Flags().Changed("ext") {
		*extensions = d.Extensions
	}
	if d.TargetExtension != nil && !cmd.Flags().Changed("target-ext") {
		*targetExt = *d.TargetExtension
	}
	if d.CacheRoot != nil && !cmd.Flags().Changed("cache-root") {
		*cacheRoot = *d.CacheRoot
	}
}
