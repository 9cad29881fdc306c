package trunkdb

import (
	"context"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE fsm_transitions (
			id         INTEGER PRIMARY KEY,
			trunk      TEXT    NOT NULL,
			remote     TEXT    NOT NULL,
			from_state TEXT    NOT NULL,
			to_state   TEXT    NOT NULL,
			at         INTEGER NOT NULL
		) STRICT
	`)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		CREATE TABLE decode_failures (
			id      INTEGER PRIMARY KEY,
			trunk   TEXT    NOT NULL,
			remote  TEXT    NOT NULL,
			reason  TEXT    NOT NULL,
			at      INTEGER NOT NULL
		) STRICT
	`)
	return err
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP TABLE decode_failures`); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DROP TABLE fsm_transitions`)
	return err
}
