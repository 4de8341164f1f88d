package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vango-dev/boardsync/pkg/access"
)

// SQLStore is a database/sql backed store. It works with any compatible
// driver (PostgreSQL via lib/pq, MySQL via go-sql-driver/mysql, SQLite via
// modernc.org/sqlite). Requires the tables created by CreateTables:
//
//	boards(id, owner_id, elements, background_color, updated_at)
//	board_collaborators(board_id, user_id, email, access_level, status)
//	users(id, name, email)
type SQLStore struct {
	db      *sql.DB
	dialect SQLDialect
	prefix  string
	now     func() time.Time
	closed  atomic.Bool
}

// SQLDialect represents the SQL dialect for query generation.
type SQLDialect int

const (
	// DialectPostgreSQL uses PostgreSQL syntax ($1, $2 placeholders).
	DialectPostgreSQL SQLDialect = iota
	// DialectMySQL uses MySQL syntax (? placeholders).
	DialectMySQL
	// DialectSQLite uses SQLite syntax (? placeholders).
	DialectSQLite
)

// ParseDialect maps a database/sql driver name to its dialect.
func ParseDialect(driverName string) (SQLDialect, error) {
	switch strings.ToLower(driverName) {
	case "postgres", "postgresql", "pq":
		return DialectPostgreSQL, nil
	case "mysql":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return 0, fmt.Errorf("store: unsupported sql driver %q", driverName)
	}
}

// SQLStoreOption configures SQLStore behavior.
type SQLStoreOption func(*SQLStore)

// WithSQLDialect sets the SQL dialect for query generation.
// Default: DialectPostgreSQL.
func WithSQLDialect(dialect SQLDialect) SQLStoreOption {
	return func(s *SQLStore) {
		s.dialect = dialect
	}
}

// WithSQLTablePrefix prepends prefix to every table name.
func WithSQLTablePrefix(prefix string) SQLStoreOption {
	return func(s *SQLStore) {
		s.prefix = prefix
	}
}

// WithSQLClock overrides the timestamp source used for updated_at.
func WithSQLClock(now func() time.Time) SQLStoreOption {
	return func(s *SQLStore) {
		s.now = now
	}
}

// NewSQLStore creates a store on top of an open database handle.
func NewSQLStore(db *sql.DB, opts ...SQLStoreOption) *SQLStore {
	s := &SQLStore{
		db:      db,
		dialect: DialectPostgreSQL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLStore) boardsTable() string        { return s.prefix + "boards" }
func (s *SQLStore) collaboratorsTable() string { return s.prefix + "board_collaborators" }
func (s *SQLStore) usersTable() string         { return s.prefix + "users" }

// placeholder returns the placeholder syntax for the dialect.
func (s *SQLStore) placeholder(n int) string {
	switch s.dialect {
	case DialectPostgreSQL:
		return fmt.Sprintf("$%d", n)
	default:
		return "?"
	}
}

// LoadBoard reads the stored scene of a board.
func (s *SQLStore) LoadBoard(ctx context.Context, boardID string) (Scene, error) {
	if s.closed.Load() {
		return Scene{}, ErrStoreClosed
	}

	query := fmt.Sprintf(`
		SELECT elements, background_color, updated_at FROM %s
		WHERE id = %s
	`, s.boardsTable(), s.placeholder(1))

	var (
		elements  sql.NullString
		bg        sql.NullString
		updatedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, boardID).Scan(&elements, &bg, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Scene{}, ErrBoardNotFound
	}
	if err != nil {
		return Scene{}, wrapErr("sql", "load", boardID, err)
	}
	if !elements.Valid {
		return Scene{}, ErrBoardNotFound
	}

	return Scene{
		Elements:        normalizeElements([]byte(elements.String)),
		BackgroundColor: bg.String,
		UpdatedAt:       updatedAt.Time,
	}, nil
}

// SaveBoard upserts the scene of a board, leaving its owner untouched.
func (s *SQLStore) SaveBoard(ctx context.Context, boardID string, scene Scene) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	var query string
	switch s.dialect {
	case DialectPostgreSQL:
		query = fmt.Sprintf(`
			INSERT INTO %s (id, elements, background_color, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				elements = EXCLUDED.elements,
				background_color = EXCLUDED.background_color,
				updated_at = EXCLUDED.updated_at
		`, s.boardsTable())
	case DialectMySQL:
		query = fmt.Sprintf(`
			INSERT INTO %s (id, elements, background_color, updated_at)
			VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				elements = VALUES(elements),
				background_color = VALUES(background_color),
				updated_at = VALUES(updated_at)
		`, s.boardsTable())
	case DialectSQLite:
		query = fmt.Sprintf(`
			INSERT INTO %s (id, elements, background_color, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				elements = excluded.elements,
				background_color = excluded.background_color,
				updated_at = excluded.updated_at
		`, s.boardsTable())
	}

	elements := string(normalizeElements(scene.Elements))
	_, err := s.db.ExecContext(ctx, query, boardID, elements, scene.BackgroundColor, s.now().UTC())
	return wrapErr("sql", "save", boardID, err)
}

// LookupUser reads a user's display name and email.
func (s *SQLStore) LookupUser(ctx context.Context, userID string) (User, error) {
	if s.closed.Load() {
		return User{}, ErrStoreClosed
	}

	query := fmt.Sprintf(`SELECT name, email FROM %s WHERE id = %s`, s.usersTable(), s.placeholder(1))

	u := User{ID: userID}
	var email sql.NullString
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&u.Name, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, wrapErr("sql", "lookup user", "", err)
	}
	u.Email = email.String
	return u, nil
}

// Access resolves the user's permission from the board owner and its
// collaborator grants.
func (s *SQLStore) Access(ctx context.Context, userID, boardID string) (access.Level, error) {
	if s.closed.Load() {
		return access.NoAccess, ErrStoreClosed
	}

	ownerQuery := fmt.Sprintf(`SELECT owner_id FROM %s WHERE id = %s`, s.boardsTable(), s.placeholder(1))

	var owner sql.NullString
	err := s.db.QueryRowContext(ctx, ownerQuery, boardID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return access.NoAccess, nil
	}
	if err != nil {
		return access.NoAccess, wrapErr("sql", "access", boardID, err)
	}
	if owner.String == userID && userID != "" {
		return access.Edit, nil
	}

	collabQuery := fmt.Sprintf(`
		SELECT access_level, status FROM %s
		WHERE board_id = %s AND user_id = %s
	`, s.collaboratorsTable(), s.placeholder(1), s.placeholder(2))

	var levelStr, status string
	err = s.db.QueryRowContext(ctx, collabQuery, boardID, userID).Scan(&levelStr, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return access.NoAccess, nil
	}
	if err != nil {
		return access.NoAccess, wrapErr("sql", "access", boardID, err)
	}

	level, err := access.ParseLevel(levelStr)
	if err != nil {
		return access.NoAccess, wrapErr("sql", "access", boardID, err)
	}
	return resolveAccess(userID, owner.String, []Collaborator{{
		UserID: userID,
		Level:  level,
		Status: CollaboratorStatus(status),
	}}), nil
}

// CreateBoard inserts an empty board owned by ownerID.
func (s *SQLStore) CreateBoard(ctx context.Context, boardID, ownerID string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, owner_id) VALUES (%s, %s)`,
		s.boardsTable(), s.placeholder(1), s.placeholder(2))
	_, err := s.db.ExecContext(ctx, query, boardID, ownerID)
	return wrapErr("sql", "create board", boardID, err)
}

// Share grants a collaborator access to a board.
func (s *SQLStore) Share(ctx context.Context, boardID string, c Collaborator) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (board_id, user_id, email, access_level, status)
		VALUES (%s, %s, %s, %s, %s)
	`, s.collaboratorsTable(), s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5))
	_, err := s.db.ExecContext(ctx, query, boardID, c.UserID, c.Email, c.Level.String(), string(c.Status))
	return wrapErr("sql", "share", boardID, err)
}

// PutUser inserts a directory entry.
func (s *SQLStore) PutUser(ctx context.Context, u User) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, name, email) VALUES (%s, %s, %s)`,
		s.usersTable(), s.placeholder(1), s.placeholder(2), s.placeholder(3))
	_, err := s.db.ExecContext(ctx, query, u.ID, u.Name, u.Email)
	return wrapErr("sql", "put user", "", err)
}

// Close marks the store closed.
// Note: This does not close the underlying database connection,
// as it may be shared with other components.
func (s *SQLStore) Close() error {
	s.closed.Store(true)
	return nil
}

// CreateTables creates the board, collaborator and user tables if they
// don't exist.
func (s *SQLStore) CreateTables(ctx context.Context) error {
	var stmts []string
	switch s.dialect {
	case DialectPostgreSQL:
		stmts = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id VARCHAR(64) PRIMARY KEY,
				owner_id VARCHAR(64),
				elements JSONB,
				background_color VARCHAR(32),
				updated_at TIMESTAMP WITH TIME ZONE
			)`, s.boardsTable()),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				board_id VARCHAR(64) NOT NULL,
				user_id VARCHAR(64) NOT NULL,
				email VARCHAR(255),
				access_level VARCHAR(16) NOT NULL,
				status VARCHAR(16) NOT NULL,
				PRIMARY KEY (board_id, user_id)
			)`, s.collaboratorsTable()),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id VARCHAR(64) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				email VARCHAR(255)
			)`, s.usersTable()),
		}
	case DialectMySQL:
		stmts = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id VARCHAR(64) PRIMARY KEY,
				owner_id VARCHAR(64),
				elements LONGTEXT,
				background_color VARCHAR(32),
				updated_at DATETIME(3)
			)`, s.boardsTable()),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				board_id VARCHAR(64) NOT NULL,
				user_id VARCHAR(64) NOT NULL,
				email VARCHAR(255),
				access_level VARCHAR(16) NOT NULL,
				status VARCHAR(16) NOT NULL,
				PRIMARY KEY (board_id, user_id)
			)`, s.collaboratorsTable()),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id VARCHAR(64) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				email VARCHAR(255)
			)`, s.usersTable()),
		}
	case DialectSQLite:
		stmts = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				owner_id TEXT,
				elements TEXT,
				background_color TEXT,
				updated_at DATETIME
			)`, s.boardsTable()),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				board_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				email TEXT,
				access_level TEXT NOT NULL,
				status TEXT NOT NULL,
				PRIMARY KEY (board_id, user_id)
			)`, s.collaboratorsTable()),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				email TEXT
			)`, s.usersTable()),
		}
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return wrapErr("sql", "create tables", "", err)
		}
	}
	return nil
}
