package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stoop/cmd/internal/ids"
	"stoop/cmd/internal/profile"
)

// Integration tests are opt-in and require STOOP_DATABASE_URL.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestPostgresStore_CreateDirect_DedupUnderPairLock(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)
	mustSeedDirectory(t, pool, schema)

	s := mustNewChatStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	first, created, err := s.Create(ctx, CreateInput{
		RequesterID:    "user-dana",
		ParticipantIDs: []string{"user-omar"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatalf("expected a new conversation")
	}

	// Same pair concurrently: the advisory lock serializes the dedup check,
	// so everyone lands on the same record.
	type result struct {
		id      string
		created bool
		err     error
	}
	results := make(chan result, 4)
	for i := 0; i < 4; i++ {
		go func() {
			conv, created, err := s.Create(ctx, CreateInput{
				RequesterID:    "user-omar",
				ParticipantIDs: []string{"user-dana"},
			})
			results <- result{id: conv.ID, created: created, err: err}
		}()
	}
	for i := 0; i < 4; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("concurrent create: %v", r.err)
		}
		if r.created {
			t.Fatalf("concurrent create produced a duplicate conversation %s", r.id)
		}
		if r.id != first.ID {
			t.Fatalf("concurrent create landed on %s, want %s", r.id, first.ID)
		}
	}
}

func TestPostgresStore_AppendMessage_BumpsRecency(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)
	mustSeedDirectory(t, pool, schema)

	s := mustNewChatStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	conv, _, err := s.Create(ctx, CreateInput{
		RequesterID:    "user-dana",
		ParticipantIDs: []string{"user-omar"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sentAt := time.Now().UTC().Add(time.Minute).Truncate(time.Microsecond)
	after, msg, err := s.AppendMessage(ctx, conv.ID, "user-dana", "hello from postgres", sentAt)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if msg.Sender.ID != "user-dana" || msg.Sender.Name != "Dana" {
		t.Fatalf("expected expanded sender, got %+v", msg.Sender)
	}
	if msg.Read {
		t.Fatalf("new message must start unread")
	}
	if !after.LastMessageAt.Equal(msg.SentAt) {
		t.Fatalf("recency marker %v != message timestamp %v", after.LastMessageAt, msg.SentAt)
	}
	if len(after.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(after.Messages))
	}

	// Outsider append takes the merged not-found.
	if _, _, err := s.AppendMessage(ctx, conv.ID, "user-lena", "hi", time.Time{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("outsider append: err = %v, want %v", err, ErrNotFound)
	}
}

func TestPostgresStore_MarkRead_SkipsOwnMessages(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)
	mustSeedDirectory(t, pool, schema)

	s := mustNewChatStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	conv, _, err := s.Create(ctx, CreateInput{
		RequesterID:    "user-dana",
		ParticipantIDs: []string{"user-omar"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	base := time.Now().UTC()
	if _, _, err := s.AppendMessage(ctx, conv.ID, "user-dana", "one", base); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, _, err := s.AppendMessage(ctx, conv.ID, "user-omar", "two", base.Add(time.Second)); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.MarkRead(ctx, conv.ID, "user-omar"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := s.MarkRead(ctx, conv.ID, "user-omar"); err != nil {
		t.Fatalf("mark read (repeat): %v", err)
	}

	got, err := s.Get(ctx, conv.ID, "user-omar")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(got.Messages))
	}
	if !got.Messages[0].Read {
		t.Fatalf("peer message must be read")
	}
	if got.Messages[1].Read {
		t.Fatalf("reader's own message must stay unread")
	}
}

func TestPostgresStore_Delete_CascadesMessages(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)
	mustSeedDirectory(t, pool, schema)

	s := mustNewChatStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	conv, _, err := s.Create(ctx, CreateInput{
		RequesterID:    "user-dana",
		ParticipantIDs: []string{"user-omar"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := s.AppendMessage(ctx, conv.ID, "user-dana", "soon gone", time.Time{}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.Delete(ctx, conv.ID, "user-lena"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("outsider delete: err = %v, want %v", err, ErrNotFound)
	}
	if err := s.Delete(ctx, conv.ID, "user-omar"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := s.Get(ctx, conv.ID, "user-dana"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete: err = %v, want %v", err, ErrNotFound)
	}

	messages := pgIdent(schema, "messages")
	var count int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+messages+` WHERE conversation_id = $1`, conv.ID,
	).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("messages after cascade = %d, want 0", count)
	}
}

func TestPostgresStore_ListForUser_OrderedByRecency(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)
	mustSeedDirectory(t, pool, schema)

	s := mustNewChatStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	withOmar, _, err := s.Create(ctx, CreateInput{
		RequesterID:    "user-dana",
		ParticipantIDs: []string{"user-omar"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	withLena, _, err := s.Create(ctx, CreateInput{
		RequesterID:    "user-dana",
		ParticipantIDs: []string{"user-lena"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	base := time.Now().UTC().Add(time.Minute)
	if _, _, err := s.AppendMessage(ctx, withOmar.ID, "user-omar", "ping", base); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, _, err := s.AppendMessage(ctx, withLena.ID, "user-lena", "pong", base.Add(time.Second)); err != nil {
		t.Fatalf("append: %v", err)
	}

	list, err := s.ListForUser(ctx, "user-dana")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("conversations = %d, want 2", len(list))
	}
	if list[0].ID != withLena.ID || list[1].ID != withOmar.ID {
		t.Fatalf("order = [%s %s], want newest activity first", list[0].ID, list[1].ID)
	}
	if list[0].Neighborhood.Name != "Maple Street" {
		t.Fatalf("neighborhood = %q, want Maple Street", list[0].Neighborhood.Name)
	}
}

// ---- helpers ----

func mustNewChatStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	dir, err := profile.NewPostgresDirectory(pool, profile.WithDirectorySchema(schema))
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	s, err := NewPostgresStore(pool, dir, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("STOOP_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: STOOP_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse STOOP_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	// Validate acquire quickly (fast fail).
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (STOOP_DATABASE_URL set): %v", err)
		}
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	id, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	schema := "stoop_it_" + strings.ToLower(id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgxIdent1(schema)); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgxIdent1(schema)+` CASCADE`)
}

func mustApplyChatSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	neighborhoods := pgIdent(schema, "neighborhoods")
	users := pgIdent(schema, "users")
	conversations := pgIdent(schema, "conversations")
	participants := pgIdent(schema, "conversation_participants")
	messages := pgIdent(schema, "messages")

	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  email TEXT NOT NULL,
  profile_picture TEXT NULL,
  neighborhood_id TEXT NULL REFERENCES %s(id) ON DELETE SET NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  neighborhood_id TEXT NULL REFERENCES %s(id) ON DELETE SET NULL,
  is_group BOOLEAN NOT NULL DEFAULT FALSE,
  group_name TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  last_message_at TIMESTAMPTZ NOT NULL,

  CONSTRAINT chk_conversations_id_ulid_len CHECK (char_length(id) = 26)
);

CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  user_id TEXT NOT NULL,
  PRIMARY KEY (conversation_id, user_id)
);

CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  sender_id TEXT NOT NULL,
  content TEXT NOT NULL,
  read BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL,

  CONSTRAINT chk_messages_id_ulid_len CHECK (char_length(id) = 26),
  CONSTRAINT chk_messages_content_nonempty CHECK (content <> '')
);

CREATE INDEX IF NOT EXISTS idx_participants_user_id
  ON %s (user_id);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
  ON %s (conversation_id, created_at);
`, neighborhoods, users, neighborhoods, conversations, neighborhoods,
		participants, conversations, messages, conversations, participants, messages)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func mustSeedDirectory(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	neighborhoods := pgIdent(schema, "neighborhoods")
	users := pgIdent(schema, "users")

	if _, err := pool.Exec(ctx,
		`INSERT INTO `+neighborhoods+` (id, name) VALUES ($1, $2)`,
		"hood-1", "Maple Street",
	); err != nil {
		t.Fatalf("seed neighborhood: %v", err)
	}

	seed := []struct{ id, name, email string }{
		{"user-dana", "Dana", "dana@example.com"},
		{"user-omar", "Omar", "omar@example.com"},
		{"user-lena", "Lena", "lena@example.com"},
	}
	for _, u := range seed {
		if _, err := pool.Exec(ctx,
			`INSERT INTO `+users+` (id, name, email, neighborhood_id) VALUES ($1, $2, $3, $4)`,
			u.id, u.name, u.email, "hood-1",
		); err != nil {
			t.Fatalf("seed user %s: %v", u.id, err)
		}
	}
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host") {
		return true
	}
	return false
}

func pgxIdent1(ident string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection in dynamic DDL.
	return pgx.Identifier{ident}.Sanitize()
}
