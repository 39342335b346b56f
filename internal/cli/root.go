package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/erauner12/rowsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Overrides for the client section of the config file
	ServerURL  string
	ReplicaID  string
	SQLitePath string
	BatchDir   string
	Token      string

	cfg *config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for syncctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Synchronize a local SQLite replica with a rowsync server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			cfg, err := opts.Config()
			if err != nil {
				return err
			}
			setupLogging(cmd.ErrOrStderr(), cfg.LogLevel)
			return nil
		},
	}

	f := cmd.PersistentFlags()
	f.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	f.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	f.StringVarP(&opts.ConfigPath, "config", "c", "", "path to the YAML config file")
	f.StringVar(&opts.ServerURL, "server", "", "server base URL")
	f.StringVar(&opts.ReplicaID, "replica", "", "replica id (default: stored in the database)")
	f.StringVar(&opts.SQLitePath, "db", "", "SQLite replica database")
	f.StringVar(&opts.BatchDir, "batch-dir", "", "directory for staged batches")
	f.StringVar(&opts.Token, "token", "", "bearer token")

	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewErrorsCommand(opts))
	cmd.AddCommand(NewScopeCommand(opts))

	return cmd
}

// Config loads the config file once and applies the flag overrides
func (o *RootOptions) Config() (*config.Config, error) {
	if o.cfg != nil {
		return o.cfg, nil
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Client.ServerURL, o.ServerURL)
	set(&cfg.Client.ReplicaID, o.ReplicaID)
	set(&cfg.Client.SQLitePath, o.SQLitePath)
	set(&cfg.Client.Token, o.Token)
	set(&cfg.Sync.BatchDir, o.BatchDir)
	if o.Verbose {
		cfg.LogLevel = "debug"
	}
	o.cfg = cfg
	return cfg, nil
}

func setupLogging(w io.Writer, level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
}
