package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/erauner12/rowsync/internal/batch"
	"github.com/erauner12/rowsync/internal/config"
	"github.com/erauner12/rowsync/internal/db"
	"github.com/erauner12/rowsync/internal/scope"
	"github.com/erauner12/rowsync/internal/scope/sqlitereg"
	"github.com/erauner12/rowsync/internal/session"
	"github.com/erauner12/rowsync/internal/store/sqlitestore"
	"github.com/erauner12/rowsync/internal/transport"
)

// replica is a client replica wired to its server
type replica struct {
	db     *sql.DB
	store  *sqlitestore.Store
	remote *transport.Client
	coord  *session.Coordinator
}

func openReplica(ctx context.Context, cfg *config.Config) (*replica, error) {
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	p, err := cfg.Sync.Policies()
	if err != nil {
		return nil, err
	}
	outdated, err := scope.ParseOutdatedAction(cfg.Client.OutdatedAction)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.OpenSQLite(ctx, cfg.Client.SQLitePath)
	if err != nil {
		return nil, err
	}
	r := &replica{db: sqlDB}
	if r.store, err = sqlitestore.New(ctx, sqlDB, cfg.Client.ReplicaID); err != nil {
		return nil, errors.Join(err, sqlDB.Close())
	}
	reg, err := sqlitereg.New(ctx, sqlDB)
	if err != nil {
		return nil, errors.Join(err, sqlDB.Close())
	}
	bs, err := batch.NewStore(cfg.Sync.BatchDir)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open batch dir: %w", err), sqlDB.Close())
	}

	r.remote = transport.New(transport.Config{
		BaseURL:      cfg.Client.ServerURL,
		Token:        cfg.Client.Token,
		DebugReplica: r.store.ID(),
	})
	r.coord = session.NewCoordinator(session.Options{
		Store:            r.store,
		Registry:         reg,
		Batches:          bs,
		Remote:           r.remote,
		Limits:           p.Limits,
		ConflictPolicy:   p.Conflict,
		ErrorPolicy:      p.Errors,
		TxScope:          p.TxScope,
		RelaxConstraints: cfg.Sync.RelaxConstraints,
		OutdatedAction:   outdated,
		IOTimeout:        cfg.Sync.IOTimeout,
	})
	return r, nil
}

func (r *replica) Close() error {
	return r.db.Close()
}
