package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/erauner12/rowsync/internal/store"
	"github.com/erauner12/rowsync/internal/syncx"
)

// checkSchema verifies that every table, key and column the scope names
// exists in the store
func checkSchema(ctx context.Context, st store.Store, def *syncx.ScopeDefinition, side syncx.Side) error {
	for _, t := range def.Tables {
		ts, err := st.Describe(ctx, t.Name)
		if errors.Is(err, store.ErrTableNotFound) {
			return schemaErr(st, side, t.Name, "", "table does not exist")
		}
		if err != nil {
			return &syncx.Error{Kind: syncx.KindInternal, Side: side, Replica: st.ID(), Table: t.Name, Err: fmt.Errorf("describe: %w", err)}
		}
		if ts.PrimaryKey != t.PrimaryKey {
			return schemaErr(st, side, t.Name, t.PrimaryKey, fmt.Sprintf("primary key is %q", ts.PrimaryKey))
		}
		for _, col := range t.Columns {
			if col != t.PrimaryKey && !ts.HasColumn(col) {
				return schemaErr(st, side, t.Name, col, "column does not exist")
			}
		}
		for col := range t.Filter {
			if col != t.PrimaryKey && !ts.HasColumn(col) {
				return schemaErr(st, side, t.Name, col, "filter column does not exist")
			}
		}
	}
	return nil
}

func schemaErr(st store.Store, side syncx.Side, table, column, msg string) error {
	e := syncx.SchemaError(side, table, column, msg)
	e.Replica = st.ID()
	return e
}
