package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stoop/cmd/internal/ids"
	"stoop/cmd/internal/profile"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Appends take a per-conversation transactional advisory lock so the
//   message insert and the recency-marker update commit atomically and
//   concurrent senders serialize per conversation.
type PostgresStore struct {
	pool   *pgxpool.Pool
	dir    profile.Directory
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "stoop").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, dir profile.Directory, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		dir:    dir,
		schema: "stoop",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	if st.dir == nil {
		return nil, errors.New("chat: nil profile directory")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

type convRow struct {
	id             string
	participantIDs []string
	isGroup        bool
	groupName      string
	neighborhood   profile.Neighborhood
	createdAt      time.Time
	lastMessageAt  time.Time
}

// ListForUser returns the user's conversations ordered by recency descending.
func (s *PostgresStore) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conversations := pgIdent(s.schema, "conversations")
	participants := pgIdent(s.schema, "conversation_participants")
	neighborhoods := pgIdent(s.schema, "neighborhoods")

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.is_group, c.group_name, c.neighborhood_id,
		        COALESCE(n.name, ''), c.created_at, c.last_message_at,
		        ARRAY(SELECT p2.user_id FROM `+participants+` p2
		              WHERE p2.conversation_id = c.id ORDER BY p2.user_id)
		 FROM `+conversations+` c
		 JOIN `+participants+` p ON p.conversation_id = c.id
		 LEFT JOIN `+neighborhoods+` n ON n.id = c.neighborhood_id
		 WHERE p.user_id = $1
		 ORDER BY c.last_message_at DESC, c.id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []convRow
	for rows.Next() {
		var r convRow
		if err := rows.Scan(&r.id, &r.isGroup, &r.groupName, &r.neighborhood.ID,
			&r.neighborhood.Name, &r.createdAt, &r.lastMessageAt, &r.participantIDs); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Conversation, 0, len(recs))
	for _, r := range recs {
		conv, err := s.expandRow(ctx, r, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

// Get returns the full conversation with messages, membership-checked.
func (s *PostgresStore) Get(ctx context.Context, conversationID, userID string) (Conversation, error) {
	if userID == "" {
		return Conversation{}, ErrUnauthenticated
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	r, err := s.readConversation(ctx, s.pool, conversationID, userID)
	if err != nil {
		return Conversation{}, err
	}

	msgs, err := s.readMessages(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	return s.expandRow(ctx, r, msgs)
}

// Create creates a conversation, reusing an existing direct pair when possible.
func (s *PostgresStore) Create(ctx context.Context, in CreateInput) (Conversation, bool, error) {
	merged, err := normalizeCreate(in)
	if err != nil {
		return Conversation{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}

	hood, err := s.dir.NeighborhoodOf(ctx, in.RequesterID)
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			return Conversation{}, false, ErrNotFound
		}
		return Conversation{}, false, err
	}

	now := time.Now().UTC()
	conversations := pgIdent(s.schema, "conversations")
	participants := pgIdent(s.schema, "conversation_participants")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if !in.IsGroupChat && len(merged) == 2 {
		// Serialize pair creation so two concurrent requests for the same
		// pair cannot both miss the dedup check.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, pairLockKey(merged)); err != nil {
			return Conversation{}, false, fmt.Errorf("advisory lock: %w", err)
		}

		var existingID string
		err := tx.QueryRow(ctx,
			`SELECT c.id FROM `+conversations+` c
			 JOIN `+participants+` p ON p.conversation_id = c.id
			 WHERE c.is_group = FALSE
			 GROUP BY c.id
			 HAVING COUNT(*) = 2
			    AND COUNT(*) FILTER (WHERE p.user_id = ANY($1)) = 2
			 LIMIT 1`,
			merged,
		).Scan(&existingID)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return Conversation{}, false, err
			}
			conv, err := s.Get(ctx, existingID, in.RequesterID)
			return conv, false, err
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, false, err
		}
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, false, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+conversations+` (id, neighborhood_id, is_group, group_name, created_at, last_message_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		id, hood.ID, in.IsGroupChat, strings.TrimSpace(in.GroupName), now,
	); err != nil {
		return Conversation{}, false, err
	}
	for _, uid := range merged {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+participants+` (conversation_id, user_id) VALUES ($1, $2)`,
			id, uid,
		); err != nil {
			return Conversation{}, false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, false, err
	}

	conv, err := s.expandRow(ctx, convRow{
		id:             id,
		participantIDs: merged,
		isGroup:        in.IsGroupChat,
		groupName:      strings.TrimSpace(in.GroupName),
		neighborhood:   hood,
		createdAt:      now,
		lastMessageAt:  now,
	}, nil)
	return conv, true, err
}

// AppendMessage inserts the message and bumps last_message_at in one tx.
func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID, senderID, content string, now time.Time) (Conversation, Message, error) {
	if senderID == "" {
		return Conversation{}, Message{}, ErrUnauthenticated
	}
	if strings.TrimSpace(content) == "" {
		return Conversation{}, Message{}, ValidationError{Field: "content", Msg: "must be non-empty"}
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, Message{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize writes per conversation: append order and the recency
	// marker stay consistent under concurrent senders.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, conversationID); err != nil {
		return Conversation{}, Message{}, fmt.Errorf("advisory lock: %w", err)
	}

	if _, err := s.readConversation(ctx, tx, conversationID, senderID); err != nil {
		return Conversation{}, Message{}, err
	}

	msgID, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, Message{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, sender_id, content, read, created_at)
		 VALUES ($1, $2, $3, $4, FALSE, $5)`,
		msgID, conversationID, senderID, content, now,
	); err != nil {
		return Conversation{}, Message{}, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+` SET last_message_at = $2 WHERE id = $1`,
		conversationID, now,
	); err != nil {
		return Conversation{}, Message{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, Message{}, err
	}

	conv, err := s.Get(ctx, conversationID, senderID)
	if err != nil {
		return Conversation{}, Message{}, err
	}
	for _, m := range conv.Messages {
		if m.ID == msgID {
			return conv, m, nil
		}
	}
	return Conversation{}, Message{}, fmt.Errorf("chat: appended message %s missing on re-read", msgID)
}

// MarkRead bulk-flips unread messages from other senders. Idempotent.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, readerID string) error {
	if readerID == "" {
		return ErrUnauthenticated
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := s.readConversation(ctx, s.pool, conversationID, readerID); err != nil {
		return err
	}

	messages := pgIdent(s.schema, "messages")
	_, err := s.pool.Exec(ctx,
		`UPDATE `+messages+` SET read = TRUE
		 WHERE conversation_id = $1 AND read = FALSE AND sender_id <> $2`,
		conversationID, readerID,
	)
	return err
}

// Delete hard-deletes the conversation; messages cascade.
func (s *PostgresStore) Delete(ctx context.Context, conversationID, requesterID string) error {
	if requesterID == "" {
		return ErrUnauthenticated
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := s.readConversation(ctx, s.pool, conversationID, requesterID); err != nil {
		return err
	}

	conversations := pgIdent(s.schema, "conversations")
	_, err := s.pool.Exec(ctx, `DELETE FROM `+conversations+` WHERE id = $1`, conversationID)
	return err
}

// IsParticipant reports membership.
func (s *PostgresStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	if userID == "" || conversationID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	participants := pgIdent(s.schema, "conversation_participants")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+participants+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// querier lets the membership-checked read run on the pool or inside a tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// readConversation applies the merged membership rule: ErrNotFound covers
// both a missing id and a non-participant caller.
func (s *PostgresStore) readConversation(ctx context.Context, q querier, conversationID, userID string) (convRow, error) {
	if conversationID == "" {
		return convRow{}, ErrNotFound
	}

	conversations := pgIdent(s.schema, "conversations")
	participants := pgIdent(s.schema, "conversation_participants")
	neighborhoods := pgIdent(s.schema, "neighborhoods")

	var r convRow
	err := q.QueryRow(ctx,
		`SELECT c.id, c.is_group, c.group_name, c.neighborhood_id,
		        COALESCE(n.name, ''), c.created_at, c.last_message_at,
		        ARRAY(SELECT p2.user_id FROM `+participants+` p2
		              WHERE p2.conversation_id = c.id ORDER BY p2.user_id)
		 FROM `+conversations+` c
		 JOIN `+participants+` p ON p.conversation_id = c.id
		 LEFT JOIN `+neighborhoods+` n ON n.id = c.neighborhood_id
		 WHERE c.id = $1 AND p.user_id = $2`,
		conversationID, userID,
	).Scan(&r.id, &r.isGroup, &r.groupName, &r.neighborhood.ID,
		&r.neighborhood.Name, &r.createdAt, &r.lastMessageAt, &r.participantIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return convRow{}, ErrNotFound
	}
	if err != nil {
		return convRow{}, err
	}
	return r, nil
}

type msgRow struct {
	id       string
	senderID string
	content  string
	read     bool
	sentAt   time.Time
}

func (s *PostgresStore) readMessages(ctx context.Context, conversationID string) ([]msgRow, error) {
	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT id, sender_id, content, read, created_at
		 FROM `+messages+`
		 WHERE conversation_id = $1
		 ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []msgRow
	for rows.Next() {
		var m msgRow
		if err := rows.Scan(&m.id, &m.senderID, &m.content, &m.read, &m.sentAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) expandRow(ctx context.Context, r convRow, msgs []msgRow) (Conversation, error) {
	need := append([]string(nil), r.participantIDs...)
	for _, m := range msgs {
		need = append(need, m.senderID)
	}

	known, err := s.dir.Summaries(ctx, need)
	if err != nil {
		return Conversation{}, err
	}
	summary := func(id string) profile.Summary {
		if sm, ok := known[id]; ok {
			return sm
		}
		return profile.Summary{ID: id}
	}

	conv := Conversation{
		ID:            r.id,
		IsGroupChat:   r.isGroup,
		GroupName:     r.groupName,
		Neighborhood:  r.neighborhood,
		LastMessageAt: r.lastMessageAt,
		CreatedAt:     r.createdAt,
	}
	for _, id := range r.participantIDs {
		conv.Participants = append(conv.Participants, summary(id))
	}
	for _, m := range msgs {
		conv.Messages = append(conv.Messages, Message{
			ID:      m.id,
			Sender:  summary(m.senderID),
			Content: m.content,
			Read:    m.read,
			SentAt:  m.sentAt,
		})
	}
	return conv, nil
}

// ---- identifier safety ----

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent returns a safely quoted schema-qualified identifier.
func pgIdent(schema, table string) string {
	return `"` + schema + `"."` + table + `"`
}

// pairLockKey derives the advisory-lock key for a sorted two-member pair.
// The key travels to Postgres as a text parameter, so it must not contain
// a zero byte; "|" is safe because ULIDs are Crockford base32.
func pairLockKey(sortedPair []string) string {
	return sortedPair[0] + "|" + sortedPair[1]
}
