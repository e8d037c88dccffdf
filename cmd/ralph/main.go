// Command ralph is a terminal client for the CRM marketing assistant.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/martinemde/ralph/agentloop"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return newApp(stdin, stdout, stderr).run(args)
}

// app carries the command dependencies. Tests replace newModel and
// interactive.
type app struct {
	v      *viper.Viper
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	log    *slog.Logger

	configPath string
	sessionID  string

	newModel    func(v *viper.Viper, log *slog.Logger) (agentloop.ModelBackend, io.Closer, error)
	interactive func() bool

	scanner *bufio.Scanner
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	a := &app{
		v:        viper.New(),
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
		log:      slog.Default(),
		newModel: modelFromViper,
	}
	a.interactive = func() bool {
		f, ok := a.stdin.(*os.File)
		return ok && term.IsTerminal(int(f.Fd()))
	}
	return a
}

func (a *app) run(args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(a.stderr, "error: %v\n", err)
		return exitCode(err)
	}
	return 0
}

// exitCode maps errors to process exit codes: 2 for a request the user can
// fix and resend, 1 otherwise.
func exitCode(err error) int {
	if agentloop.IsRetryableByCaller(err) {
		return 2
	}
	return 1
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ralph",
		Short:         "CRM marketing assistant with human approval for campaign actions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(a.v, a.configPath); err != nil {
				return err
			}
			log, err := loggerFromViper(a.v, a.stderr)
			if err != nil {
				return err
			}
			a.log = log
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ./ralph.yaml or ~/.ralph/ralph.yaml)")
	root.PersistentFlags().StringVarP(&a.sessionID, "session", "s", "default", "session id")

	root.AddCommand(a.chatCmd(), a.resumeCmd(), a.clearCmd(), a.historyCmd())
	return root
}

// runtime is the wired engine of one command invocation.
type runtime struct {
	orch    *agentloop.Orchestrator
	closers []io.Closer
}

func (r *runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *app) openRuntime(ctx context.Context) (*runtime, error) {
	rt := &runtime{}
	fail := func(err error) (*runtime, error) {
		_ = rt.Close()
		return nil, err
	}

	store, err := storeFromViper(a.v)
	if err != nil {
		return fail(err)
	}
	rt.closers = append(rt.closers, store)

	tools, err := toolsFromViper(ctx, a.v, a.log)
	if err != nil {
		return fail(err)
	}
	rt.closers = append(rt.closers, tools)
	reg, err := agentloop.NewToolRegistry(tools.Tools()...)
	if err != nil {
		return fail(err)
	}

	gate, auditCloser, err := approvalFromViper(a.v, a.log)
	if err != nil {
		return fail(err)
	}
	rt.closers = append(rt.closers, auditCloser)

	cfg, err := agentFromViper(a.v)
	if err != nil {
		return fail(err)
	}
	model, modelCloser, err := a.newModel(a.v, a.log)
	if err != nil {
		return fail(err)
	}
	rt.closers = append(rt.closers, modelCloser)

	orch, err := agentloop.NewOrchestrator(model, reg, gate, store, cfg, agentloop.WithLogger(a.log))
	if err != nil {
		return fail(err)
	}
	rt.orch = orch
	return rt, nil
}

func (a *app) session() string {
	id := strings.TrimSpace(a.sessionID)
	if id == "" || id == "new" {
		id = uuid.NewString()
	}
	return id
}
