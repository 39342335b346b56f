package sqlitestore

import (
	"fmt"
	"strings"
)

const metaSchema = `
CREATE TABLE IF NOT EXISTS rowsync_clock (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	ts      INTEGER NOT NULL DEFAULT 0,
	horizon INTEGER NOT NULL DEFAULT 0,
	replica TEXT NOT NULL DEFAULT ''
);
INSERT OR IGNORE INTO rowsync_clock (id) VALUES (1);
CREATE TABLE IF NOT EXISTS rowsync_tracked (
	name        TEXT PRIMARY KEY,
	primary_key TEXT NOT NULL
);
`

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func trackingTable(table string) string {
	return table + "_tracking"
}

// snapshot renders a json_object call capturing every column of ref (OLD or NEW)
func snapshot(ref string, columns []string) string {
	args := make([]string, 0, 2*len(columns))
	for _, c := range columns {
		args = append(args, "'"+strings.ReplaceAll(c, "'", "''")+"'", ref+"."+quote(c))
	}
	return "json_object(" + strings.Join(args, ", ") + ")"
}

// trackingDDL returns the statements that create the side table and the
// triggers recording local writes. Every triggered write advances the clock.
func trackingDDL(table, pk string, columns []string) []string {
	t, tr, p := quote(table), quote(trackingTable(table)), quote(pk)
	now := "(SELECT ts FROM rowsync_clock WHERE id = 1)"
	bump := "UPDATE rowsync_clock SET ts = ts + 1 WHERE id = 1;"

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key        TEXT PRIMARY KEY,
	ts         INTEGER NOT NULL,
	created_ts INTEGER NOT NULL,
	writer     TEXT NOT NULL DEFAULT '',
	deleted    INTEGER NOT NULL DEFAULT 0,
	tomb       TEXT
)`, tr),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (ts)`, quote(trackingTable(table)+"_ts"), tr),

		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER INSERT ON %s BEGIN
	%s
	INSERT INTO %s (key, ts, created_ts, writer, deleted, tomb)
	VALUES (CAST(NEW.%s AS TEXT), %s, %s, '', 0, NULL)
	ON CONFLICT (key) DO UPDATE SET
		ts = excluded.ts, created_ts = excluded.created_ts, writer = '', deleted = 0, tomb = NULL;
END`, quote(table+"_rowsync_insert"), t, bump, tr, p, now, now),

		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER UPDATE ON %s BEGIN
	%s
	UPDATE %s SET ts = %s, writer = '', deleted = 1, tomb = %s
	WHERE key = CAST(OLD.%s AS TEXT) AND OLD.%s IS NOT NEW.%s;
	INSERT INTO %s (key, ts, created_ts, writer, deleted, tomb)
	VALUES (CAST(NEW.%s AS TEXT), %s, %s, '', 0, NULL)
	ON CONFLICT (key) DO UPDATE SET
		ts = excluded.ts,
		created_ts = CASE WHEN deleted = 1 THEN excluded.created_ts ELSE created_ts END,
		writer = '', deleted = 0, tomb = NULL;
END`, quote(table+"_rowsync_update"), t, bump, tr, now, snapshot("OLD", columns), p, p, p, tr, p, now, now),

		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER DELETE ON %s BEGIN
	%s
	INSERT INTO %s (key, ts, created_ts, writer, deleted, tomb)
	VALUES (CAST(OLD.%s AS TEXT), %s, %s, '', 1, %s)
	ON CONFLICT (key) DO UPDATE SET
		ts = excluded.ts, writer = '', deleted = 1, tomb = excluded.tomb;
END`, quote(table+"_rowsync_delete"), t, bump, tr, p, now, now, snapshot("OLD", columns)),
	}
}

// backfillDDL starts tracking rows that existed before the triggers did
func backfillDDL(table, pk string) []string {
	now := "(SELECT ts FROM rowsync_clock WHERE id = 1)"
	return []string{
		"UPDATE rowsync_clock SET ts = ts + 1 WHERE id = 1",
		fmt.Sprintf(`INSERT INTO %s (key, ts, created_ts, writer, deleted)
	SELECT CAST(%s AS TEXT), %s, %s, '', 0 FROM %s WHERE true
	ON CONFLICT (key) DO NOTHING`, quote(trackingTable(table)), quote(pk), now, now, quote(table)),
	}
}
