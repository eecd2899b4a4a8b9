// Package main is the entry point for the analysis platform server. The
// same binary runs as the central Bridge or as a factory-side Edge.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/app"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/config"
	internaldb "github.com/apdn7/AnalysisPlatformCloud-sub000/internal/db"
)

var version = "dev"

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// overrides are command-line values that win over the environment.
type overrides struct {
	listen    string
	rpcListen string
	bridge    string
	sources   string
}

func (o *overrides) bind(fs *pflag.FlagSet) {
	fs.StringVar(&o.listen, "listen", "", "ops HTTP listen address (LISTEN_ADDR)")
	fs.StringVar(&o.rpcListen, "rpc-listen", "", "Bridge gRPC listen address (RPC_LISTEN_ADDR)")
	fs.StringVar(&o.bridge, "bridge", "", "Bridge gRPC address used by an Edge (BRIDGE_RPC_ADDR)")
	fs.StringVar(&o.sources, "sources", "", "YAML seed of data tables (DATA_SOURCES_FILE)")
}

// apply copies the flags that were set onto the environment so that
// config validation sees them.
func (o *overrides) apply(fs *pflag.FlagSet) error {
	for flag, set := range map[string]struct {
		env   string
		value string
	}{
		"listen":     {"LISTEN_ADDR", o.listen},
		"rpc-listen": {"RPC_LISTEN_ADDR", o.rpcListen},
		"bridge":     {"BRIDGE_RPC_ADDR", o.bridge},
		"sources":    {"DATA_SOURCES_FILE", o.sources},
	} {
		if !fs.Changed(flag) {
			continue
		}
		if err := os.Setenv(set.env, set.value); err != nil {
			return fmt.Errorf("setenv %s: %w", set.env, err)
		}
	}
	return nil
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "apserver",
		Short:         "Factory data collection server",
		Long:          "Runs the central Bridge or a factory-side Edge of the analysis platform.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return config.LoadDotEnv(envFile)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file read before the environment")

	root.AddCommand(
		newServeCmd(config.RoleBridge, "Run the central Bridge", stderr),
		newServeCmd(config.RoleEdge, "Run a factory-side Edge", stderr),
		newMigrateCmd(stdout),
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func newServeCmd(role, short string, stderr io.Writer) *cobra.Command {
	var o overrides
	cmd := &cobra.Command{
		Use:   role,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := o.apply(cmd.Flags()); err != nil {
				return err
			}
			cfg, err := loadConfig(role)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer cancel()
			return serve(ctx, cfg, newLogger(cfg, stderr))
		},
	}
	o.bind(cmd.Flags())
	return cmd
}

func newMigrateCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply metadata migrations and print the schema version",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			writeDB, readDB, err := internaldb.OpenSQLitePair(cfg.MetaDBPath, 1)
			if err != nil {
				return fmt.Errorf("open metadata store: %w", err)
			}
			defer readDB.Close()  //nolint:errcheck
			defer writeDB.Close() //nolint:errcheck
			if err := internaldb.RunMigrations(writeDB); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			v, err := internaldb.SchemaVersion(writeDB)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s at schema version %d\n", cfg.MetaDBPath, v)
			return nil
		},
	}
}

// loadConfig reads the environment with the role fixed by the subcommand.
func loadConfig(role string) (*config.Config, error) {
	if err := os.Setenv("ROLE", role); err != nil {
		return nil, err
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	for _, warning := range cfg.Warnings {
		logger.Warn(warning)
	}
	return logger
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// writeDB is a single connection for serialized writes; readDB serves
	// the ops API and readiness checks.
	writeDB, readDB, err := internaldb.OpenSQLitePair(cfg.MetaDBPath, 4)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer readDB.Close()  //nolint:errcheck
	defer writeDB.Close() //nolint:errcheck
	if err := internaldb.RunMigrations(writeDB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	a, err := app.New(ctx, app.Deps{Cfg: cfg, WriteDB: writeDB, ReadDB: readDB, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	httpLis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	var rpcLis net.Listener
	if !cfg.IsEdge() {
		if rpcLis, err = net.Listen("tcp", cfg.RPCListenAddr); err != nil {
			_ = httpLis.Close()
			return fmt.Errorf("listen %s: %w", cfg.RPCListenAddr, err)
		}
	}

	if err := a.Start(ctx); err != nil {
		return err
	}
	logger.Info("server started", "role", cfg.Role, "origin", cfg.Origin, "version", version)
	err = a.Serve(ctx, httpLis, rpcLis)
	logger.Info("server stopped", "role", cfg.Role)
	return err
}
