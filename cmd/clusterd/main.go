package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/sirupsen/logrus"

	"github.com/slok/clusterd/cmd/clusterd/commands"
	"github.com/slok/clusterd/internal/log"
	loglogrus "github.com/slok/clusterd/internal/log/logrus"
	"github.com/slok/clusterd/internal/model"
)

// Version is the application version (set via ldflags).
var Version = "dev"

// Run runs the main application.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (err error) {
	app := kingpin.New("clusterd", "Multi-tenant cluster job and task orchestration engine.")
	app.DefaultEnvars()
	rootCmd := commands.NewRootCommand(app)

	// Setup commands (registers flags).
	serverCmd := commands.NewServerCommand(rootCmd, app)
	provisionerCmd := commands.NewProvisionerCommand(rootCmd, app)

	// Cluster subcommands share a parent command.
	clusterCmd := commands.NewClusterCommand(app)
	clusterCreateCmd := commands.NewClusterCreateCommand(rootCmd, clusterCmd)
	clusterListCmd := commands.NewClusterListCommand(rootCmd, clusterCmd)
	clusterStatusCmd := commands.NewClusterStatusCommand(rootCmd, clusterCmd)
	clusterRequestCmd := commands.NewClusterRequestCommand(rootCmd, clusterCmd)
	clusterDeleteCmd := commands.NewClusterDeleteCommand(rootCmd, clusterCmd)
	clusterPauseCmd := commands.NewClusterPauseCommand(rootCmd, clusterCmd)
	clusterResumeCmd := commands.NewClusterResumeCommand(rootCmd, clusterCmd)
	clusterAbortCmd := commands.NewClusterAbortCommand(rootCmd, clusterCmd)

	cmds := map[string]commands.Command{
		serverCmd.Name():         serverCmd,
		provisionerCmd.Name():    provisionerCmd,
		clusterCreateCmd.Name():  clusterCreateCmd,
		clusterListCmd.Name():    clusterListCmd,
		clusterStatusCmd.Name():  clusterStatusCmd,
		clusterRequestCmd.Name(): clusterRequestCmd,
		clusterDeleteCmd.Name():  clusterDeleteCmd,
		clusterPauseCmd.Name():   clusterPauseCmd,
		clusterResumeCmd.Name():  clusterResumeCmd,
		clusterAbortCmd.Name():   clusterAbortCmd,
	}

	// Parse command.
	cmdName, err := app.Parse(args[1:])
	if err != nil {
		return fmt.Errorf("invalid command configuration: %w", err)
	}

	// Set standard input/output.
	rootCmd.Stdin = stdin
	rootCmd.Stdout = stdout
	rootCmd.Stderr = stderr

	// Printer commands don't log unless debugging, so logs don't mix with the output.
	printerCommands := map[string]bool{
		"cluster list":   true,
		"cluster status": true,
	}
	if printerCommands[cmdName] && !rootCmd.Debug {
		rootCmd.NoLog = true
	}

	// Set logger.
	rootCmd.Logger = getLogger(*rootCmd).WithValues(log.Kv{"cmd": cmdName})

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				rootCmd.Logger.Debugf("Termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Execute command.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				err := cmds[cmdName].Run(ctx)
				if err != nil {
					return fmt.Errorf("%q command failed: %w", cmdName, err)
				}
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

// getLogger returns the application logger.
func getLogger(config commands.RootCommand) log.Logger {
	if config.NoLog {
		return log.Noop
	}

	// If logger not disabled use logrus logger.
	logrusLog := logrus.New()
	logrusLog.Out = config.Stderr // By default logger goes to stderr (so it can split stdout prints).
	logrusLogEntry := logrus.NewEntry(logrusLog)

	if config.Debug {
		logrusLogEntry.Logger.SetLevel(logrus.DebugLevel)
	}

	// Log format.
	switch config.LoggerType {
	case commands.LoggerTypeDefault:
		logrusLogEntry.Logger.SetFormatter(&logrus.TextFormatter{
			ForceColors:   !config.NoColor,
			DisableColors: config.NoColor,
		})
	case commands.LoggerTypeJSON:
		logrusLogEntry.Logger.SetFormatter(&logrus.JSONFormatter{})
	}

	logger := loglogrus.NewLogrus(logrusLogEntry).WithValues(log.Kv{
		"version": Version,
	})

	logger.Debugf("Debug level is enabled") // Will log only when debug enabled.

	return logger
}

// exitCode maps command errors to process exit codes so scripts can tell a
// missing cluster or a busy one apart from other failures.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, model.ErrNotValid):
		return 2
	case errors.Is(err, model.ErrNotFound):
		return 3
	case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrNotOwner), errors.Is(err, model.ErrInvalidTransition):
		return 4
	default:
		return 1
	}
}

func main() {
	ctx := context.Background()
	err := Run(ctx, os.Args, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(exitCode(err))
	}
}
