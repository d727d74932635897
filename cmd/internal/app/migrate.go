package app

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var migrateIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Migrate creates the chat schema and tables when they do not exist yet.
//
// The users and neighborhoods tables are owned by the wider platform; they
// are created here too (IF NOT EXISTS) so a standalone dev database works,
// but production deployments are expected to already have them populated.
func Migrate(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("app: nil pool")
	}
	if !migrateIdentRe.MatchString(schema) {
		return fmt.Errorf("app: invalid schema identifier %q", schema)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	q := func(table string) string {
		return pgx.Identifier{schema, table}.Sanitize()
	}

	ddl := `
CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{schema}.Sanitize() + `;

CREATE TABLE IF NOT EXISTS ` + q("neighborhoods") + ` (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ` + q("users") + ` (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  email TEXT NOT NULL,
  profile_picture TEXT NULL,
  neighborhood_id TEXT NULL REFERENCES ` + q("neighborhoods") + `(id) ON DELETE SET NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ` + q("conversations") + ` (
  id TEXT PRIMARY KEY,
  neighborhood_id TEXT NULL REFERENCES ` + q("neighborhoods") + `(id) ON DELETE SET NULL,
  is_group BOOLEAN NOT NULL DEFAULT FALSE,
  group_name TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  last_message_at TIMESTAMPTZ NOT NULL,

  CONSTRAINT chk_conversations_id_ulid_len CHECK (char_length(id) = 26)
);

CREATE TABLE IF NOT EXISTS ` + q("conversation_participants") + ` (
  conversation_id TEXT NOT NULL REFERENCES ` + q("conversations") + `(id) ON DELETE CASCADE,
  user_id TEXT NOT NULL,
  PRIMARY KEY (conversation_id, user_id)
);

CREATE TABLE IF NOT EXISTS ` + q("messages") + ` (
  id TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES ` + q("conversations") + `(id) ON DELETE CASCADE,
  sender_id TEXT NOT NULL,
  content TEXT NOT NULL,
  read BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL,

  CONSTRAINT chk_messages_id_ulid_len CHECK (char_length(id) = 26),
  CONSTRAINT chk_messages_content_nonempty CHECK (content <> '')
);

CREATE INDEX IF NOT EXISTS idx_participants_user_id
  ON ` + q("conversation_participants") + ` (user_id);

CREATE INDEX IF NOT EXISTS idx_conversations_last_message_at
  ON ` + q("conversations") + ` (last_message_at DESC);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
  ON ` + q("messages") + ` (conversation_id, created_at);
`

	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("app: migrate: %w", err)
	}
	return nil
}
