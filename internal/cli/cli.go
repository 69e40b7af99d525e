// Package cli implements aqictl, the operator tool for the sensor store and
// the MQTT ingest topic.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/thecoderpanda/ard-server/internal/config"
	"github.com/thecoderpanda/ard-server/internal/db"
	"github.com/thecoderpanda/ard-server/internal/logging"
	"github.com/thecoderpanda/ard-server/internal/schema"
)

const appName = "aqictl"

type state struct {
	version string
	dbPath  string
	verbose bool

	cfg    config.Config
	logger *slog.Logger
}

// NewRootCommand builds the command tree. version follows the server's
// convention: "dev" selects the human-readable log handler.
func NewRootCommand(version string) *cobra.Command {
	st := &state{version: version}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Operate the AQI sensor store",
		Long:          `aqictl inspects and migrates the sensor database and publishes test LoRa messages to the ingest topic.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return st.init(cmd)
		},
	}
	root.PersistentFlags().StringVar(&st.dbPath, "db", "", "SQLite database file (overrides SQLITE_PATH)")
	root.PersistentFlags().BoolVarP(&st.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newMigrateCommand(st),
		newSensorsCommand(st),
		newReadingsCommand(st),
		newLoRaCommand(st),
		newParseCommand(),
		newClassifyCommand(),
	)
	return root
}

func (st *state) init(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if st.dbPath != "" {
		cfg.Path = st.dbPath
		cfg.DSN = ""
	}
	if st.verbose {
		cfg.LogLevel = slog.LevelDebug
	}
	st.cfg = cfg
	st.logger = logging.NewWithWriter(cmd.ErrOrStderr(), cfg, st.version, appName)
	return nil
}

// openStore opens the database and brings its schema up to date, the same
// way the server does at startup.
func (st *state) openStore(ctx context.Context) (*sql.DB, schema.Outcome, error) {
	conn, err := db.Open(ctx, st.cfg, st.logger)
	if err != nil {
		return nil, "", err
	}
	outcome, err := schema.Ensure(ctx, conn)
	if err != nil {
		_ = db.Close(conn)
		return nil, "", err
	}
	st.logger.Debug("schema ready", "path", st.cfg.Path, "outcome", string(outcome))
	return conn, outcome, nil
}
