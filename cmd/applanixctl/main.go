package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/embarktrucks/applanix-driver/internal/admin"
	"github.com/embarktrucks/applanix-driver/internal/bridge"
	"github.com/embarktrucks/applanix-driver/internal/config"
	"github.com/embarktrucks/applanix-driver/internal/logging"
	"github.com/embarktrucks/applanix-driver/internal/observability"
	"github.com/embarktrucks/applanix-driver/internal/protocol/catalog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const appName = "applanixctl"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   appName,
		Short: "Bridge an Applanix POS unit's data and control ports",
		Long: `applanixctl connects to a POS unit, decodes its navigation feed and
exposes counters, the latest decoded values and a command endpoint over HTTP.

Examples:
  applanixctl --ip 192.168.53.100 --data logging
  applanixctl --pcap capture.pcap --admin-addr ""
  applanixctl config init applanix.toml`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Flags(), configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	bindFlags(root.Flags())

	root.AddCommand(newConfigCmd(&configPath), newCatalogCmd())
	return root
}

func run(parent context.Context, cfg config.Config) error {
	logger, runID := observability.InitLogger(appName, logging.Runtime(cfg.Log.Level, cfg.Log.JSON))
	log.Info().
		Str("run", runID).
		Str("data", cfg.DataAddr()).
		Bool("control", cfg.Device.Control).
		Str("replay", cfg.Replay.PcapFile).
		Strs("excluded", cfg.Excluded()).
		Msg("applanixctl starting")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bridge.Connect(ctx, cfg, bridge.LogSink{Logger: logger})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return b.Run(gctx)
	})
	if cfg.Admin.Addr != "" {
		srv := admin.New(appName, cfg.Admin.Addr, b, cfg.Admin.CorsOrigins)
		g.Go(func() error { return srv.Serve(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("applanixctl stopped")
	return nil
}

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create, check and print configuration files",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a commented config template",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "applanix.toml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteTemplate(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote config template to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Load and validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "validated config at %s\n", args[0])
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Flags(), *configPath)
			if err != nil {
				return err
			}
			out, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	bindFlags(showCmd.Flags())

	cmd.AddCommand(initCmd, validateCmd, showCmd)
	return cmd
}

func newCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List the packet schemas the bridge decodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tWIDTH")
			for _, e := range catalog.Default().Entries() {
				width := "variable"
				if n := e.Schema.Width(); n >= 0 {
					width = fmt.Sprint(n)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.ID, e.Schema.Name, width)
			}
			return w.Flush()
		},
	}
}
