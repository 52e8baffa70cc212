// Package cmd implements the clicktest command line.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/clickharness/internal/config"
	"github.com/xcawolfe-amzn/clickharness/internal/logging"
	"github.com/xcawolfe-amzn/clickharness/internal/style"
)

// Command groups
const (
	GroupServer = "server"
	GroupTools  = "tools"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "clicktest",
	Short: "Drive the ungit web UI from a scripted browser",
	Long: `clicktest starts an ungit server on a free port, attaches a headless
browser to it, and seeds git repositories through the server's testing API.

The same environment backs the click tests under 'go test -tags e2e'.
Configuration is read from clicktest.toml and CLICKTEST_* variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFile, "Path to the TOML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupServer, Title: "Server Commands:"},
		&cobra.Group{ID: GroupTools, Title: "Tools:"},
	)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	if code, ok := IsSilentExit(err); ok {
		return code
	}
	fmt.Fprintln(os.Stderr, style.For(os.Stderr).Fail(err.Error()))
	return 1
}

// loadConfig reads the config file named by --config and applies --log-level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *log.Logger {
	return logging.New(logging.Options{Level: cfg.LogLevel, Prefix: "clicktest"})
}

// SilentExitError ends the command with a code and no error message.
type SilentExitError struct {
	Code int
}

func (e *SilentExitError) Error() string {
	return fmt.Sprintf("exit %d", e.Code)
}

// NewSilentExit returns an error that exits with code without printing.
func NewSilentExit(code int) error {
	return &SilentExitError{Code: code}
}

// IsSilentExit reports whether err requests a silent exit and its code.
func IsSilentExit(err error) (int, bool) {
	var se *SilentExitError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}
