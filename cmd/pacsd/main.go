// Command pacsd is the thin CLI entrypoint binding pkg/config to
// pkg/system, following the teacher's cmd/warren command-tree shape (a
// root cobra command plus serve/migrate subcommands) trimmed to this
// module's much smaller surface: there is no cluster to join, so
// "serve" just constructs one System and runs it until signaled.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pressly/goose/v3"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/kcenon/pacs-system-sub002/pkg/config"
	"github.com/kcenon/pacs-system-sub002/pkg/log"
	"github.com/kcenon/pacs-system-sub002/pkg/peer"
	"github.com/kcenon/pacs-system-sub002/pkg/system"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	configPath    string
	migrationsLoc string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "pacsd",
	Short:   "PACS client subsystem daemon",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("pacsd %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "pacsd.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&migrationsLoc, "migrations-dir", migrationsDir, "path to the goose migration set")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if err := cfg.LoadFile(configPath); err != nil {
		return nil, err
	}
	cfg.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job/routing/prefetch/sync managers until signaled",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		// The real DICOM SCU and per-node transport (spec §1, §6.1) are
		// explicitly out of scope; serve wires a plain-TCP connection
		// factory and a placeholder SCU so the core runs end to end
		// against a real socket, failing cleanly on every wire call until
		// a real SCU implementation is substituted here.
		scu := peer.SCU(unimplementedSCU{})
		factories := &tcpFactoryBuilder{dialTimeout: cfg.ConnectionPool.BorrowTimeout}

		sys, err := system.New(cfg, scu, factories)
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := sys.Start(ctx); err != nil {
			return fmt.Errorf("serve: %w", err)
		}

		fmt.Println("pacsd started; press Ctrl+C to stop")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("shutting down...")
		cancel()
		sys.Stop()
		fmt.Println("shutdown complete")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back database schema migrations",
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func openMigrationDB(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("migrate: open database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: ping database: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply every pending migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openMigrationDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		return goose.Up(db, migrationsLoc)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recently applied migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openMigrationDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		return goose.Down(db, migrationsLoc)
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print which migrations have been applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openMigrationDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		return goose.Status(db, migrationsLoc)
	},
}
