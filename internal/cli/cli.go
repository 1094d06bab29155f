// Package cli wires the jobcluster commands:
//
//	jobcluster [master]           run the master and its worker pool
//	jobcluster worker             worker process, spawned by the master
//	jobcluster run <job>          run one job in this process
//	jobcluster submit <job>       publish a job on a shared queue
//	jobcluster crontab check <f>  validate a crontab file
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"jobcluster/internal/app"
	"jobcluster/internal/config"
	"jobcluster/internal/jobs/cron"
)

// EnvConfig names the config file when --config is not given.
const EnvConfig = "JOBCLUSTER_CONFIG"

var Version = "dev"

// ExitError carries a process exit code out of a command.
type ExitError struct{ Code int }

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

type cliState struct {
	configFile string
	opts       []app.Option
}

// BuildCLI returns the root command. opts are passed to every process the
// commands start, so embedding programs can register their task modules.
func BuildCLI(opts ...app.Option) *cobra.Command {
	st := &cliState{opts: opts}

	rootCmd := &cobra.Command{
		Use:           "jobcluster",
		Short:         "Job runner with a supervised worker pool, queues and cron",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadDotEnv(".env", ".env.local"); err != nil {
				return err
			}
			if !cmd.Flags().Changed("config") {
				st.configFile = os.Getenv(EnvConfig)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return st.runMaster(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().StringVarP(&st.configFile, "config", "c", "", "config file (json or yaml); $"+EnvConfig+" when unset")

	rootCmd.AddCommand(st.buildMasterCommand())
	rootCmd.AddCommand(st.buildWorkerCommand())
	rootCmd.AddCommand(st.buildRunCommand())
	rootCmd.AddCommand(st.buildSubmitCommand())
	rootCmd.AddCommand(buildCrontabCommand())
	return rootCmd
}

// loadDotEnv loads env files in order; missing files are skipped and
// variables already set win.
func loadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func (st *cliState) buildMasterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "master",
		Short: "Run the master process (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return st.runMaster(cmd.Context())
		},
	}
}

func (st *cliState) runMaster(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m, err := app.NewMaster(st.configFile, st.opts...)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := m.Start(runCtx); err != nil {
		_ = m.Stop(context.Background(), app.StopFatalError)
		return err
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == syscall.SIGINT {
			reason = app.StopSIGINT
		}
	case <-m.Done():
		if m.Err() != nil {
			reason = app.StopFatalError
		}
	case <-ctx.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Minute)
	defer stopCancel()
	go func() {
		// A second signal skips the graceful drain.
		select {
		case <-sigCh:
			stopCancel()
		case <-stopCtx.Done():
		}
	}()
	if err := m.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return m.Err()
	}
	return nil
}

func (st *cliState) buildWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run a worker process (started by the master)",
		Args:   cobra.ArbitraryArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w, err := app.NewWorker(st.configFile, st.opts...)
			if err != nil {
				return err
			}
			reason, err := w.Run(ctx)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "worker:", err)
			}
			if code := reason.ExitCode(); code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}
}

func (st *cliState) buildRunCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "run [job]",
		Short: "Run one job in this process",
		Long: `Run one job without a cluster. The job is a task name like core.noop,
JSON text, or a JSON/YAML file given with --file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := jobArg(args, file)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.RunJob(ctx, st.configFile, spec, st.opts...)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the job from a file")
	return cmd
}

func (st *cliState) buildSubmitCommand() *cobra.Command {
	var file, queue, channel string
	cmd := &cobra.Command{
		Use:   "submit [job]",
		Short: "Publish a job on a shared queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := jobArg(args, file)
			if err != nil {
				return err
			}
			js, err := app.SubmitJob(cmd.Context(), st.configFile, queue, channel, spec)
			if err != nil {
				return err
			}
			out, err := json.Marshal(js)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the job from a file")
	cmd.Flags().StringVar(&queue, "queue", "", "queue client name (default jobs.queue)")
	cmd.Flags().StringVar(&channel, "channel", "", "queue channel (default jobs.channel)")
	return cmd
}

// jobArg returns the job given on the command line or in file.
func jobArg(args []string, file string) (any, error) {
	switch {
	case file != "" && len(args) > 0:
		return nil, fmt.Errorf("give the job as an argument or with --file, not both")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		return config.CoerceJSON(file, data)
	case len(args) == 1:
		return args[0], nil
	default:
		return nil, fmt.Errorf("job required")
	}
}

func buildCrontabCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crontab",
		Short: "Crontab file tools",
	}
	var next int
	check := &cobra.Command{
		Use:   "check <file>...",
		Short: "Validate crontab files and show upcoming runs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bad := 0
			for _, path := range args {
				bad += checkCrontab(cmd.OutOrStdout(), path, next, time.Now())
			}
			if bad > 0 {
				return fmt.Errorf("%d problem(s) found", bad)
			}
			return nil
		},
	}
	check.Flags().IntVarP(&next, "next", "n", 3, "upcoming runs to list per entry")
	cmd.AddCommand(check)
	return cmd
}

func checkCrontab(w io.Writer, path string, next int, now time.Time) int {
	data, err := os.ReadFile(path)
	if err == nil {
		data, err = config.CoerceJSON(path, data)
	}
	typ := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	var entries []cron.Entry
	var problems []error
	if err == nil {
		entries, problems, err = cron.ParseCrontab(typ, data)
	}
	if err != nil {
		fmt.Fprintf(w, "%s: %v\n", path, err)
		return 1
	}

	fmt.Fprintf(w, "%s: %d entr%s\n", path, len(entries), plural(len(entries), "y", "ies"))
	for _, e := range entries {
		state := ""
		if e.Disabled {
			state = " (disabled)"
		}
		fmt.Fprintf(w, "  %s [%s]%s\n", e.Name(), e.Schedule, state)
		if e.Disabled || next <= 0 {
			continue
		}
		sched, err := cron.ParseSchedule(e.Schedule)
		if err != nil {
			continue
		}
		for _, t := range cron.NextRuns(sched, now, next) {
			fmt.Fprintf(w, "    %s\n", t.Format(time.RFC3339))
		}
	}
	for _, p := range problems {
		fmt.Fprintf(w, "  error: %v\n", p)
	}
	return len(problems)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
