package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tapstripe/internal/tap"
	"github.com/ajitpratap0/tapstripe/pkg/catalog"
	"github.com/ajitpratap0/tapstripe/pkg/config"
	"github.com/ajitpratap0/tapstripe/pkg/logger"
	"github.com/ajitpratap0/tapstripe/pkg/state"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries what the subcommands share.
type cli struct {
	out        io.Writer
	configFile string
	v          *viper.Viper
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out, v: config.NewViper()}

	root := &cobra.Command{
		Use:   "tapstripe",
		Short: "tapstripe - windowed extraction of Stripe objects",
		Long: `tapstripe replicates Stripe resources as RECORD lines on stdout.
Each resource is read in bounded creation-time windows; the end of a window is
stored as the resource's watermark once all of its records have been written,
so an interrupted run resumes at the first unfinished window.`,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&c.configFile, "config", "c", "", "Path to a YAML or JSON configuration file")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-encoding", "", "Log encoding (json, console)")
	root.PersistentFlags().String("state-backend", "", "Watermark store backend: "+strings.Join(state.Backends(), ", "))
	_ = c.v.BindPFlag("observability.log_level", root.PersistentFlags().Lookup("log-level"))
	_ = c.v.BindPFlag("observability.log_encoding", root.PersistentFlags().Lookup("log-encoding"))
	_ = c.v.BindPFlag("state.backend", root.PersistentFlags().Lookup("state-backend"))

	root.AddCommand(
		c.versionCmd(),
		c.runCmd(),
		c.resourcesCmd(),
		c.stateCmd(),
		c.configCmd(),
	)
	return root
}

// load reads the configuration and initializes the global logger.
func (c *cli) load() (*config.Config, error) {
	if c.configFile != "" {
		if err := config.ReadFile(c.v, c.configFile); err != nil {
			return nil, err
		}
	}
	cfg, err := config.FromViper(c.v)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: cfg.Observability.LogEncoding,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.out, "tapstripe v%s\n", version)
			fmt.Fprintf(c.out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(c.out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func (c *cli) runCmd() *cobra.Command {
	var resources []string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replicate resources",
		Long: `Replicate the selected resources, or the configured selection, or the
whole catalog. Resources run one after another; a failing resource does not
stop the others, and the command fails if any resource failed.

Example:
  tapstripe run -c tap.yaml --resource charges --resource disputes > out.jsonl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			t, err := tap.New(ctx, tap.Options{Config: cfg, Output: c.out, Version: version})
			if err != nil {
				return err
			}
			_, runErr := t.Run(ctx, resources)

			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := t.Close(closeCtx); err != nil {
				logger.Warn("close failed", zap.Error(err))
			}
			return runErr
		},
	}
	cmd.Flags().StringSliceVarP(&resources, "resource", "r", nil, "Resource to replicate (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop starting new windows after this long (0 = no limit)")
	return cmd
}

func (c *cli) resourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "List the resource catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat := catalog.Stripe()
			w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tENTITY\tDEFAULT MODE\tWINDOW\tLOOKBACK\tIMMUTABLE\tEVENTS")
			for _, name := range cat.Names() {
				d, err := cat.Describe(name)
				if err != nil {
					return err
				}
				entity := string(d.SnapshotEntity)
				if entity == "" {
					entity = "-"
				}
				events := strings.Join(d.EventPatterns, ",")
				if events == "" {
					events = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
					d.Name, entity, d.DefaultMode(),
					time.Duration(d.WindowSize)*time.Second,
					time.Duration(d.Lookback())*time.Second,
					d.Immutable, events)
			}
			return w.Flush()
		},
	}
}

func (c *cli) stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or reset watermarks",
	}

	open := func(ctx context.Context) (state.Store, error) {
		cfg, err := c.load()
		if err != nil {
			return nil, err
		}
		return state.Open(ctx, cfg.State)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [resource...]",
		Short: "Print persisted watermarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			names := args
			if len(names) == 0 {
				names = catalog.Names()
			}
			marks, err := tap.ReadWatermarks(cmd.Context(), store, names)
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(marks))
			for k := range marks {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				ts, err := state.ParseWatermark(marks[k])
				if err != nil {
					fmt.Fprintf(c.out, "%s\t%s\t(unparseable)\n", k, marks[k])
					continue
				}
				fmt.Fprintf(c.out, "%s\t%s\t%s\n", k, marks[k], time.Unix(ts, 0).UTC().Format(time.RFC3339))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <resource> <watermark>",
		Short: "Overwrite a watermark (epoch seconds or ISO-8601)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := catalog.Describe(args[0]); err != nil {
				return err
			}
			ts, err := state.ParseWatermark(args[1])
			if err != nil {
				return err
			}
			store, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Set(cmd.Context(), args[0], ts); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s\t%d\n", args[0], ts)
			return nil
		},
	})
	return cmd
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			data, err := config.Marshal(cfg.Redacted())
			if err != nil {
				return err
			}
			_, err = c.out.Write(data)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "configuration is valid")
			return nil
		},
	})
	return cmd
}
