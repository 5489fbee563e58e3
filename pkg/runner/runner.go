// Package runner executes freqtrade hyperopt and backtesting processes and
// turns their output into reports.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/raykavin/hyperforge/pkg/logger"
)

// Commander starts an external process and waits for it.
type Commander interface {
	Run(ctx context.Context, dir string, output io.Writer, name string, args ...string) error
}

// ExecCommander runs processes with os/exec.
type ExecCommander struct{}

func (ExecCommander) Run(ctx context.Context, dir string, output io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = output
	cmd.Stderr = output
	return cmd.Run()
}

// ProcessError reports a failed external process.
type ProcessError struct {
	Command  []string
	ExitCode int
	LogFile  string
	Err      error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s exited with code %d (log %s): %v", strings.Join(e.Command, " "), e.ExitCode, e.LogFile, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Config locates the freqtrade installation.
type Config struct {
	Binary      string   // executable, "freqtrade" when empty
	WorkDir     string   // process working directory
	UserDir     string   // freqtrade user_data directory
	ConfigFiles []string // passed with -c in order
	LogDir      string   // where process output is kept
}

func (c Config) binary() string {
	if c.Binary == "" {
		return "freqtrade"
	}
	return c.Binary
}

func (c Config) logDir() string {
	if c.LogDir == "" {
		return filepath.Join(c.UserDir, "logs")
	}
	return c.LogDir
}

// StrategyDir is where freqtrade looks for strategies and their params files.
func (c Config) StrategyDir() string {
	return filepath.Join(c.UserDir, "strategies")
}

// Option configures a runner.
type Option func(*base)

// WithCommander replaces the process launcher.
func WithCommander(c Commander) Option {
	return func(b *base) {
		b.commander = c
	}
}

// WithLogger sets the logger
func WithLogger(log logger.Logger) Option {
	return func(b *base) {
		b.log = log
	}
}

// WithClock overrides the time source used for dates and file names.
func WithClock(now func() time.Time) Option {
	return func(b *base) {
		b.now = now
	}
}

type base struct {
	config    Config
	commander Commander
	log       logger.Logger
	now       func() time.Time
}

func newBase(config Config, options []Option) base {
	b := base{
		config:    config,
		commander: ExecCommander{},
		log:       logger.Nop(),
		now:       time.Now,
	}
	for _, option := range options {
		option(&b)
	}
	return b
}

// run executes freqtrade with args, keeping its output in a new log file.
func (b *base) run(ctx context.Context, kind, strategy string, args []string) (string, error) {
	if err := os.MkdirAll(b.config.logDir(), 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}

	logFile := filepath.Join(b.config.logDir(),
		fmt.Sprintf("%s-%s-%s.log", kind, strategy, b.now().Format("20060102-150405.000000")))
	output, err := os.Create(logFile)
	if err != nil {
		return "", fmt.Errorf("create log file: %w", err)
	}
	defer output.Close()

	command := append([]string{b.config.binary()}, args...)
	b.log.WithField("log", logFile).Debugf("running %s", strings.Join(command, " "))

	started := b.now()
	if err := b.commander.Run(ctx, b.config.WorkDir, output, command[0], command[1:]...); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return logFile, &ProcessError{Command: command, ExitCode: exitCode, LogFile: logFile, Err: err}
	}

	b.log.WithField("log", logFile).Infof("%s of %s finished in %s", kind, strategy, b.now().Sub(started).Round(time.Second))
	return logFile, nil
}

// commonArgs are the flags shared by every subcommand.
func (b *base) commonArgs() []string {
	var args []string
	for _, c := range b.config.ConfigFiles {
		args = append(args, "-c", c)
	}
	if b.config.UserDir != "" {
		args = append(args, "--userdir", b.config.UserDir)
	}
	return append(args, "--no-color")
}

// lastResult resolves the file named by key in dir/.last_result.json.
func lastResult(dir, key string) (string, error) {
	blob, err := os.ReadFile(filepath.Join(dir, ".last_result.json"))
	if err != nil {
		return "", fmt.Errorf("locate last result: %w", err)
	}

	name := gjson.GetBytes(blob, key)
	if name.Type != gjson.String || name.String() == "" {
		return "", fmt.Errorf("locate last result: %q missing in %s", key, dir)
	}
	if filepath.IsAbs(name.String()) {
		return name.String(), nil
	}
	return filepath.Join(dir, name.String()), nil
}

func appendList(args []string, flag string, values []string) []string {
	if len(values) == 0 {
		return args
	}
	return append(append(args, flag), values...)
}

func appendValue(args []string, flag, value string) []string {
	if value == "" {
		return args
	}
	return append(args, flag, value)
}
