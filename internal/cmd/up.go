package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/clickharness/internal/config"
	"github.com/xcawolfe-amzn/clickharness/internal/fixture"
	"github.com/xcawolfe-amzn/clickharness/internal/gesture"
	"github.com/xcawolfe-amzn/clickharness/internal/harness"
	"github.com/xcawolfe-amzn/clickharness/internal/style"
)

var upJSON bool

var upCmd = &cobra.Command{
	Use:     "up",
	GroupID: GroupServer,
	Short:   "Start the server and browser, then wait",
	Long: `Start an ungit server on a free port and attach a browser to it.

The environment stays up until interrupted. On exit the server's test
fixtures are cleaned up and the server and browser are stopped.

Examples:
  clicktest up
  clicktest up --json
  CLICKTEST_HEADLESS=false clicktest up`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().BoolVar(&upJSON, "json", false, "Output status as JSON")
	rootCmd.AddCommand(upCmd)
}

// environment is the slice of harness.Environment the commands use.
type environment interface {
	Init(ctx context.Context) error
	Shutdown(ctx context.Context) error
	RunID() string
	Port() int
	RootURL() string
	ServerPID() int
	CreateRepos(ctx context.Context, cfgs []*fixture.RepoConfig) ([]string, error)
}

var newEnvironment = func(cfg *config.Config, logger *log.Logger) (environment, error) {
	env, err := harness.New(cfg, harness.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return env, nil
}

// ServiceStatus is one line of the up report.
type ServiceStatus struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`

	// Unknown marks a service whose state could not be determined.
	Unknown bool `json:"unknown,omitempty"`
}

// UpSummary counts services by outcome.
type UpSummary struct {
	Total   int `json:"total"`
	Started int `json:"started"`
	Failed  int `json:"failed"`
	Unknown int `json:"unknown"`
}

// UpOutput is the JSON form of the up report.
type UpOutput struct {
	Success  bool            `json:"success"`
	RunID    string          `json:"run_id"`
	URL      string          `json:"url,omitempty"`
	Services []ServiceStatus `json:"services"`
	Repos    []string        `json:"repos,omitempty"`
	Summary  UpSummary       `json:"summary"`
}

func buildUpSummary(services []ServiceStatus) UpSummary {
	s := UpSummary{Total: len(services)}
	for _, svc := range services {
		switch {
		case svc.OK:
			s.Started++
		case svc.Unknown:
			s.Unknown++
		default:
			s.Failed++
		}
	}
	return s
}

// emitUpJSON writes out as JSON and returns a silent exit when any service failed.
func emitUpJSON(w io.Writer, out UpOutput) error {
	out.Summary = buildUpSummary(out.Services)
	out.Success = out.Summary.Failed == 0
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if !out.Success {
		return NewSilentExit(1)
	}
	return nil
}

// emitUpText writes out as a status table and returns a silent exit when any
// service failed.
func emitUpText(w io.Writer, r style.Styler, out UpOutput) error {
	out.Summary = buildUpSummary(out.Services)

	fmt.Fprintf(w, "%s %s\n", r.Render(style.Bold, "Run"), out.RunID)
	tbl := style.NewTable(r,
		style.Column{Name: "SERVICE", Width: 10},
		style.Column{Name: "STATUS", Width: 6},
		style.Column{Name: "DETAIL", Width: 60},
	)
	for _, svc := range out.Services {
		status := r.Render(style.Success, style.IconOK)
		switch {
		case svc.Unknown:
			status = r.Render(style.Dim, "?")
		case !svc.OK:
			status = r.Render(style.Error, style.IconFail)
		}
		tbl.AddRow(svc.Name, status, svc.Detail)
	}
	fmt.Fprint(w, tbl.Render())

	for _, repo := range out.Repos {
		fmt.Fprintf(w, "  %s %s\n", r.Render(style.Dim, "repo"), gesture.RepositoryURL(out.URL, repo))
	}
	if out.Summary.Failed > 0 {
		fmt.Fprintln(w, r.Fail(fmt.Sprintf("%d of %d services failed", out.Summary.Failed, out.Summary.Total)))
		return NewSilentExit(1)
	}
	if out.URL != "" {
		fmt.Fprintln(w, r.OK("ungit at "+r.Render(style.Accent, out.URL)))
	}
	return nil
}

// initStatus reports the server and browser after Init returned err. A server
// port is only assigned once its start is confirmed.
func initStatus(env environment, err error, headless bool) []ServiceStatus {
	server := ServiceStatus{Name: "server"}
	browser := ServiceStatus{Name: "browser", OK: err == nil}
	if env.Port() != 0 {
		server.OK = true
		server.Detail = fmt.Sprintf("port %d, PID %d", env.Port(), env.ServerPID())
	}
	switch {
	case err == nil:
		browser.Detail = "headed"
		if headless {
			browser.Detail = "headless"
		}
	case server.OK:
		browser.Detail = err.Error()
	default:
		// The launch runs alongside the server start and is abandoned
		// when the start fails.
		server.Detail = err.Error()
		browser.Unknown = true
		browser.Detail = "unknown, init aborted"
	}
	return []ServiceStatus{server, browser}
}

type seedFunc func(ctx context.Context, env environment) ([]string, error)

// serve brings an environment up, optionally seeds it, reports its status
// and keeps it running until ctx is done.
func serve(ctx context.Context, w io.Writer, cfg *config.Config, jsonOut bool, seed seedFunc) (err error) {
	logger := newLogger(cfg)
	env, err := newEnvironment(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if serr := env.Shutdown(sctx); serr != nil {
			logger.Error("shutdown", "err", serr)
			if err == nil {
				err = serr
			}
		}
	}()

	initCtx, cancel := context.WithTimeout(ctx, harness.InitTimeout)
	initErr := env.Init(initCtx)
	cancel()

	out := UpOutput{
		RunID:    env.RunID(),
		URL:      env.RootURL(),
		Services: initStatus(env, initErr, cfg.Headless),
	}
	if initErr == nil && seed != nil {
		repos, serr := seed(ctx, env)
		fixtures := ServiceStatus{Name: "fixtures", OK: serr == nil}
		if serr != nil {
			fixtures.Detail = serr.Error()
		} else {
			fixtures.Detail = fmt.Sprintf("%d repositories", len(repos))
		}
		out.Services = append(out.Services, fixtures)
		out.Repos = repos
	}

	if jsonOut {
		err = emitUpJSON(w, out)
	} else {
		err = emitUpText(w, style.For(w), out)
	}
	if err != nil {
		return err
	}

	logger.Info("environment up, interrupt to stop", "url", out.URL)
	<-ctx.Done()
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runUp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd.Context())
	defer stop()
	return serve(ctx, cmd.OutOrStdout(), cfg, upJSON, nil)
}
