package realtime

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the Postgres schema used when none is configured.
const DefaultSchema = "megdan"

// schemaSQL is applied statement by statement; $S is replaced by the quoted schema.
var schemaSQL = []string{
	`CREATE SCHEMA IF NOT EXISTS $S`,
	`CREATE TABLE IF NOT EXISTS $S.users (
		uid        text PRIMARY KEY,
		name       text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS $S.groups (
		guid          text PRIMARY KEY,
		name          text NOT NULL,
		type          text NOT NULL CHECK (type IN ('public', 'private', 'password')),
		password_hash text,
		owner_uid     text NOT NULL REFERENCES $S.users (uid),
		created_at    timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS $S.group_members (
		guid      text NOT NULL REFERENCES $S.groups (guid) ON DELETE CASCADE,
		uid       text NOT NULL REFERENCES $S.users (uid) ON DELETE CASCADE,
		scope     text NOT NULL DEFAULT 'participant',
		joined_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (guid, uid)
	)`,
	`CREATE INDEX IF NOT EXISTS group_members_uid_idx ON $S.group_members (uid)`,
	`CREATE TABLE IF NOT EXISTS $S.conversation_cursors (
		conversation_id text PRIMARY KEY,
		next_seq        bigint NOT NULL,
		updated_at      timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS $S.messages (
		conversation_id text NOT NULL,
		seq             bigint NOT NULL,
		server_msg_id   text NOT NULL UNIQUE,
		client_msg_id   text NOT NULL,
		sender_id       text NOT NULL,
		sender_name     text NOT NULL DEFAULT '',
		receiver_id     text NOT NULL,
		receiver_type   text NOT NULL CHECK (receiver_type IN ('user', 'group')),
		text            text NOT NULL,
		server_ts       timestamptz NOT NULL,
		PRIMARY KEY (conversation_id, seq),
		UNIQUE (conversation_id, sender_id, client_msg_id)
	)`,
	`CREATE INDEX IF NOT EXISTS messages_sender_idx ON $S.messages (sender_id, conversation_id)`,
	`CREATE INDEX IF NOT EXISTS messages_receiver_idx ON $S.messages (receiver_type, receiver_id, conversation_id)`,
}

// ApplySchema creates the backend tables if they do not exist.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("realtime: nil pool")
	}
	if !isValidPGIdent(schema) {
		return errors.New("realtime: invalid schema identifier")
	}
	quoted := pgx.Identifier{schema}.Sanitize()
	for _, stmt := range schemaSQL {
		if _, err := pool.Exec(ctx, strings.ReplaceAll(stmt, "$S", quoted)); err != nil {
			return err
		}
	}
	return nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

func checkSchema(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return "", errors.New("realtime: empty schema")
	}
	if !isValidPGIdent(schema) {
		return "", errors.New("realtime: invalid schema identifier")
	}
	return schema, nil
}
