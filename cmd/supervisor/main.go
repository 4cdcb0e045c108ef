// Command supervisor runs the process-lifecycle supervisor for one
// project directory, and doubles as a thin JSON-RPC client for scripting
// against a running instance. Structured as a cobra command tree the way
// the reference implementation's own cmd/provisr/main.go builds its root
// command and subcommands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/mcp-supervisor/internal/config"
	"github.com/loykin/mcp-supervisor/internal/controller"
	"github.com/loykin/mcp-supervisor/internal/metrics"
	"github.com/loykin/mcp-supervisor/internal/obslog"
	"github.com/loykin/mcp-supervisor/internal/transport"
	"github.com/loykin/mcp-supervisor/pkg/client"
)

// Exit codes per spec.md §6.
const (
	exitClean       = 0
	exitConfigError = 64
	exitInternal    = 70
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if code, ok := exitCodeFromError(err); ok {
			return code
		}
		return exitInternal
	}
	return exitCode
}

// exitCode is set by subcommand RunE bodies that need a specific process
// exit status distinct from cobra's generic non-zero-on-error behavior.
var exitCode = exitClean

func exitCodeFromError(err error) (int, bool) {
	var ce *cliError
	if e, ok := err.(*cliError); ok {
		ce = e
	}
	if ce == nil {
		return 0, false
	}
	return ce.code, true
}

// cliError pairs an error with the process exit code it should produce.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }

func buildRoot() *cobra.Command {
	var (
		verbose bool
		logDir  string
	)

	root := &cobra.Command{
		Use:   "supervisor <project_directory>",
		Short: "Supervise a development project's child processes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(cmd.Context(), args[0], verbose, logDir)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
	root.PersistentFlags().StringVar(&logDir, "log-dir", "", "rotate the operational log to this directory instead of stderr")

	root.AddCommand(buildClientCommand())
	return root
}

func runSupervisor(ctx context.Context, projectDir string, verbose bool, logDir string) error {
	log := obslog.New(obslog.Options{Dir: logDir, Verbose: verbose})

	settings, err := config.Load(projectDir)
	if err != nil {
		log.Error("configuration invalid", "error", err)
		return &cliError{code: exitConfigError, err: err}
	}

	lock := flock.New(projectDir + "/.mcp-run.lock")
	locked, err := lock.TryLock()
	if err != nil || !locked {
		err := fmt.Errorf("another supervisor already manages %s", projectDir)
		log.Error("startup guard failed", "error", err)
		return &cliError{code: exitConfigError, err: err}
	}
	defer func() { _ = lock.Unlock() }()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("metrics registration failed", "error", err)
	}

	ctrl := controller.New(settings, projectDir, os.Stdout, log)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", settings.McPPort)
	server := transport.NewServer(addr, ctrl)
	log.Info("supervisor listening", "addr", addr, "project", projectDir)

	runCtx, cancelRun := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Run(runCtx)
		close(done)
	}()

	<-sigCtx.Done()
	log.Info("shutting down", "reason", sigCtx.Err())
	cancelRun()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = server.Shutdown(shutdownCtx)
	<-done

	if sigCtx.Err() != nil {
		exitCode = exitInterrupted
	}
	return nil
}

func buildClientCommand() *cobra.Command {
	var baseURL string

	root := &cobra.Command{
		Use:   "client",
		Short: "Talk to a running supervisor's /mcp endpoint",
	}
	root.PersistentFlags().StringVar(&baseURL, "url", client.DefaultConfig().BaseURL, "supervisor /mcp base URL")

	newClient := func() *client.Client { return client.New(client.Config{BaseURL: baseURL}) }

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print get_status",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := newClient().GetStatus(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "restart <process>",
		Short: "Trigger a zero-downtime restart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := newClient().Restart(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	})

	var pattern string
	var head, tail, index int
	var context int
	searchFlags := func(c *cobra.Command) {
		c.Flags().StringVar(&pattern, "pattern", "", "optional regex filter")
		c.Flags().IntVar(&context, "context", 0, "context lines around each match")
		c.Flags().IntVar(&head, "head", 0, "keep only the first N lines (0 = unset)")
		c.Flags().IntVar(&tail, "tail", 0, "keep only the last N lines (0 = unset)")
		c.Flags().IntVar(&index, "index", -1, "log instance index, negative counts from newest")
	}

	searchLogs := &cobra.Command{
		Use:   "search-logs <process>",
		Short: "Search a process's captured output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := newClient().SearchLogs(cmd.Context(), args[0], searchOptionsFromFlags(pattern, context, head, tail, index))
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	}
	searchFlags(searchLogs)
	root.AddCommand(searchLogs)

	searchBuild := &cobra.Command{
		Use:   "search-build-log <process>",
		Short: "Search a process's build output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := newClient().SearchBuildLog(cmd.Context(), args[0], searchOptionsFromFlags(pattern, context, head, tail, index))
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	}
	searchFlags(searchBuild)
	root.AddCommand(searchBuild)

	return root
}

func searchOptionsFromFlags(pattern string, context, head, tail, index int) client.SearchOptions {
	opts := client.SearchOptions{Pattern: pattern, ContextLines: context}
	if head > 0 {
		opts.Head = &head
	}
	if tail > 0 {
		opts.Tail = &tail
	}
	opts.Index = &index
	return opts
}
