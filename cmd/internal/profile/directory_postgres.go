package profile

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads user summaries and neighborhood membership from
// the platform-owned users/neighborhoods tables.
//
// Ownership model:
// - PostgresDirectory does NOT own the pgx pool. The caller must close it.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// DirectoryOption configures PostgresDirectory behavior.
type DirectoryOption func(*PostgresDirectory) error

// WithDirectorySchema sets the DB schema used by the directory (default: "stoop").
func WithDirectorySchema(schema string) DirectoryOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("profile: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("profile: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

// NewPostgresDirectory constructs a Directory backed by PostgreSQL.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...DirectoryOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{
		pool:   pool,
		schema: "stoop",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, errors.New("profile: nil pool")
	}
	return d, nil
}

// Summaries resolves the given ids in one query; unknown ids are absent.
func (d *PostgresDirectory) Summaries(ctx context.Context, userIDs []string) (map[string]Summary, error) {
	if d == nil || d.pool == nil {
		return nil, errors.New("profile: nil directory")
	}
	out := make(map[string]Summary, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	users := pgIdent(d.schema, "users")

	rows, err := d.pool.Query(ctx,
		`SELECT id, name, email, COALESCE(profile_picture, '')
		 FROM `+users+` WHERE id = ANY($1)`,
		userIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.Name, &s.Email, &s.AvatarURL); err != nil {
			return nil, err
		}
		out[s.ID] = s
	}
	return out, rows.Err()
}

// NeighborhoodOf returns the user's community or ErrNotFound.
func (d *PostgresDirectory) NeighborhoodOf(ctx context.Context, userID string) (Neighborhood, error) {
	if d == nil || d.pool == nil {
		return Neighborhood{}, errors.New("profile: nil directory")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Neighborhood{}, ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return Neighborhood{}, err
	}

	users := pgIdent(d.schema, "users")
	neighborhoods := pgIdent(d.schema, "neighborhoods")

	var n Neighborhood
	err := d.pool.QueryRow(ctx,
		`SELECT n.id, n.name
		 FROM `+users+` u
		 JOIN `+neighborhoods+` n ON n.id = u.neighborhood_id
		 WHERE u.id = $1`,
		userID,
	).Scan(&n.ID, &n.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return Neighborhood{}, ErrNotFound
	}
	if err != nil {
		return Neighborhood{}, err
	}
	return n, nil
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
