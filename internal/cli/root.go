package cli

import (
	stdcontext "context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/logging"
)

// version is overridden at build time with -ldflags "-X".
var version = "dev"

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	ctx := &context{}

	root := &cobra.Command{
		Use:   "warden",
		Short: "Supervise a single process with health checks and a restart budget",
	}

	root.PersistentFlags().
		StringVarP(&ctx.configFile, "file", "f", "", "Path to the warden configuration file (default warden.yaml)")
	root.PersistentFlags().StringVar(&ctx.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&ctx.logFormat, "log-format", "", "Log format: auto, json, text")

	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newStatusCmd(ctx))
	root.AddCommand(newConfigCmd(ctx))
	root.AddCommand(newVersionCmd())

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetContext(ctx)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type context struct {
	configFile string
	logLevel   string
	logFormat  string
}

const defaultConfigFile = "warden.yaml"

func (c *context) configPath() string {
	if c.configFile != "" {
		return c.configFile
	}
	return defaultConfigFile
}

func (c *context) loadConfig() (*config.Config, error) {
	return config.Load(c.configPath())
}

// newLogger builds the logger, letting --log-level and --log-format win over
// the configuration file.
func (c *context) newLogger(cfg config.LoggingSpec) (*logging.Logger, error) {
	if c.logLevel != "" {
		if !logging.ValidLevel(c.logLevel) {
			return nil, fmt.Errorf("invalid --log-level %q", c.logLevel)
		}
		cfg.Level = c.logLevel
	}
	if c.logFormat != "" {
		switch c.logFormat {
		case "auto", "json", "text":
		default:
			return nil, fmt.Errorf("invalid --log-format %q", c.logFormat)
		}
		cfg.Format = c.logFormat
	}
	return logging.New(cfg, version), nil
}
