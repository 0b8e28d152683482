package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/pavelanni/shortgrade/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get when no record exists for the student ID.
var ErrNotFound = errors.New("submission not found")

// Driver selects the SQL dialect and database/sql driver.
type Driver string

const (
	DriverMySQL  Driver = "mysql"
	DriverSQLite Driver = "sqlite"
)

const (
	defaultTable    = "submissions"
	defaultPoolSize = 5
)

var tableNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// Config describes how to reach the database.
type Config struct {
	Driver Driver

	// Path is the SQLite database file.
	Path string

	Host     string
	Port     int
	Name     string
	User     string
	Password string

	Table           string
	PoolSize        int
	ConnMaxLifetime time.Duration
}

// DSN returns the data source name for the configured driver.
func (c Config) DSN() (string, error) {
	switch c.Driver {
	case DriverSQLite:
		if c.Path == "" {
			return "", errors.New("sqlite database path is required")
		}
		return c.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
	case DriverMySQL:
		mc := mysql.NewConfig()
		mc.User = c.User
		mc.Passwd = c.Password
		mc.Net = "tcp"
		port := c.Port
		if port == 0 {
			port = 3306
		}
		mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(port))
		mc.DBName = c.Name
		mc.ParseTime = true
		mc.Collation = "utf8mb4_unicode_ci"
		// Report matched rather than changed rows so UpdateOpinion can tell a
		// missing student ID from an unchanged value.
		mc.ClientFoundRows = true
		return mc.FormatDSN(), nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", c.Driver)
	}
}

// Store is the persistence gateway for submissions. It owns a bounded pool
// of connections; every method borrows one connection for a single statement.
type Store struct {
	db      *sql.DB
	driver  Driver
	table   string
	queries queries
}

type queries struct {
	schema        string
	upsert        string
	updateOpinion string
	get           string
	list          string
}

// New opens a connection pool. It does not require the database to be
// reachable; connectivity errors surface on first use.
func New(cfg Config) (*Store, error) {
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	if !tableNameRegex.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(string(cfg.Driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return &Store{
		db:      db,
		driver:  cfg.Driver,
		table:   table,
		queries: buildQueries(cfg.Driver, table),
	}, nil
}

func buildQueries(driver Driver, t string) queries {
	q := queries{
		updateOpinion: fmt.Sprintf(`UPDATE %s SET opinion = ?, updated_at = CURRENT_TIMESTAMP WHERE student_id = ?`, t),
		get:           fmt.Sprintf(`SELECT student_id, answer, feedback, opinion, updated_at FROM %s WHERE student_id = ?`, t),
		list:          fmt.Sprintf(`SELECT student_id, answer, feedback, opinion, updated_at FROM %s ORDER BY student_id`, t),
	}
	switch driver {
	case DriverMySQL:
		q.schema = fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			student_id VARCHAR(16) NOT NULL,
			answer     MEDIUMTEXT,
			feedback   MEDIUMTEXT,
			opinion    MEDIUMTEXT,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			PRIMARY KEY (student_id)
		) CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci`, t)
		q.upsert = fmt.Sprintf(`
		INSERT INTO %[1]s (student_id, answer, feedback, opinion)
		VALUES (?, ?, ?, ?) AS new
		ON DUPLICATE KEY UPDATE
			answer = new.answer,
			feedback = new.feedback,
			opinion = COALESCE(new.opinion, %[1]s.opinion),
			updated_at = CURRENT_TIMESTAMP`, t)
	default:
		q.schema = fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			student_id VARCHAR(16) NOT NULL PRIMARY KEY,
			answer     TEXT,
			feedback   TEXT,
			opinion    TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, t)
		q.upsert = fmt.Sprintf(`
		INSERT INTO %[1]s (student_id, answer, feedback, opinion)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(student_id) DO UPDATE SET
			answer = excluded.answer,
			feedback = excluded.feedback,
			opinion = COALESCE(excluded.opinion, %[1]s.opinion),
			updated_at = CURRENT_TIMESTAMP`, t)
	}
	return q
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that a connection can be established.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Stats reports connection pool statistics.
func (s *Store) Stats() sql.DBStats {
	return s.db.Stats()
}

// EnsureSchema creates the submissions table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.queries.schema); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Upsert inserts a submission or, when the student ID exists, overwrites its
// answer and feedback. The stored opinion is replaced only when opinion is
// present; an absent opinion leaves it untouched.
func (s *Store) Upsert(ctx context.Context, studentID, answer, feedback string, opinion model.Opinion) error {
	v, ok := opinion.Value()
	_, err := s.db.ExecContext(ctx, s.queries.upsert,
		studentID, answer, feedback, sql.NullString{String: v, Valid: ok},
	)
	if err != nil {
		return fmt.Errorf("upsert submission %s: %w", studentID, err)
	}
	return nil
}

// UpdateOpinion overwrites only the opinion of an existing submission.
// It reports whether a row matched; a missing student ID is not an error.
func (s *Store) UpdateOpinion(ctx context.Context, studentID, opinion string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.queries.updateOpinion, opinion, studentID)
	if err != nil {
		return false, fmt.Errorf("update opinion %s: %w", studentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update opinion %s: %w", studentID, err)
	}
	return n > 0, nil
}

// Get returns the submission for a student ID.
func (s *Store) Get(ctx context.Context, studentID string) (model.Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx, s.queries.get, studentID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Submission{}, ErrNotFound
	}
	return sub, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row scanner) (model.Submission, error) {
	var (
		sub                       model.Submission
		answer, feedback, opinion sql.NullString
	)
	if err := row.Scan(&sub.StudentID, &answer, &feedback, &opinion, &sub.UpdatedAt); err != nil {
		return model.Submission{}, err
	}
	sub.Answer = answer.String
	sub.Feedback = feedback.String
	if opinion.Valid {
		sub.Opinion = model.OpinionOf(opinion.String)
	}
	return sub, nil
}
