package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"platesolver/internal/wcs"
)

// Submission statuses.
const (
	StatusQueued    = "queued"
	StatusSubmitted = "submitted"
	StatusPolling   = "polling"
	StatusSolved    = "solved"
	StatusFailed    = "failed"
	StatusError     = "error"
)

var (
	// ErrNotFound is returned when no submission matches.
	ErrNotFound = errors.New("submission not found")
	// ErrNoHeader is returned for submissions without a solved header.
	ErrNoHeader = errors.New("submission has no solved header")
)

// Store wraps SQLite-backed persistence for submissions. A nil *Store
// accepts writes and drops them.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Pipeline workers write concurrently; one connection serializes them.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS submissions (
            id TEXT PRIMARY KEY,
            source TEXT NOT NULL,
            status TEXT NOT NULL,
            image_path TEXT,
            handle TEXT,
            job_id INTEGER,
            width INTEGER,
            height INTEGER,
            header_json TEXT,
            error_message TEXT,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            completed_at INTEGER
        );`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_handle ON submissions(handle);`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_created_at ON submissions(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// NewID returns a fresh submission id.
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// SubmissionRecord captures one persisted submission.
type SubmissionRecord struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"` // interactive, resume, watch
	Status      string     `json:"status"`
	ImagePath   string     `json:"image_path,omitempty"`
	Handle      string     `json:"handle,omitempty"`
	JobID       int        `json:"job_id,omitempty"`
	Width       int        `json:"width,omitempty"`
	Height      int        `json:"height,omitempty"`
	HeaderJSON  string     `json:"-"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Result is the terminal state written by RecordResult.
type Result struct {
	Status string
	Handle string
	JobID  int
	Header wcs.Header
	Error  string
}

// RecordQueued inserts a pending submission.
func (s *Store) RecordQueued(rec SubmissionRecord) error {
	if s == nil {
		return nil
	}
	if rec.Status == "" {
		rec.Status = StatusQueued
	}
	now := time.Now().UnixNano()
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO submissions (id, source, status, image_path, handle, width, height, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Source, rec.Status, rec.ImagePath, rec.Handle, rec.Width, rec.Height, now, now)
	return err
}

// RecordStart marks a submission as being uploaded.
func (s *Store) RecordStart(id string) error {
	return s.setStatus(id, StatusSubmitted)
}

// RecordHandle stores the handle the service returned and marks the
// submission as polling.
func (s *Store) RecordHandle(id, handle string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE submissions SET status=?, handle=?, updated_at=? WHERE id=?;`,
		StatusPolling, handle, time.Now().UnixNano(), id)
	return err
}

// RecordResult finalizes a submission.
func (s *Store) RecordResult(id string, res Result) error {
	if s == nil {
		return nil
	}
	var headerJSON sql.NullString
	if len(res.Header) > 0 {
		b, err := json.Marshal(res.Header)
		if err != nil {
			return fmt.Errorf("marshal header: %w", err)
		}
		headerJSON = sql.NullString{String: string(b), Valid: true}
	}
	now := time.Now().UnixNano()
	_, err := s.DB.Exec(`UPDATE submissions SET status=?, handle=COALESCE(NULLIF(?, ''), handle), job_id=NULLIF(?, 0), header_json=?, error_message=?, updated_at=?, completed_at=? WHERE id=?;`,
		res.Status, res.Handle, res.JobID, headerJSON, res.Error, now, now, id)
	return err
}

func (s *Store) setStatus(id, status string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE submissions SET status=?, updated_at=? WHERE id=?;`, status, time.Now().UnixNano(), id)
	return err
}

const selectSubmission = `SELECT id, source, status, image_path, handle, job_id, width, height, header_json, error_message, created_at, updated_at, completed_at FROM submissions`

// RecentSubmissions returns the latest submissions up to limit.
func (s *Store) RecentSubmissions(limit int) ([]SubmissionRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(selectSubmission+` ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []SubmissionRecord
	for rows.Next() {
		rec, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Submission fetches one submission by id.
func (s *Store) Submission(id string) (SubmissionRecord, error) {
	if s == nil {
		return SubmissionRecord{}, errors.New("store not initialized")
	}
	return s.one(selectSubmission+` WHERE id=?;`, id)
}

// SubmissionByHandle returns the most recent submission with the given handle.
func (s *Store) SubmissionByHandle(handle string) (SubmissionRecord, error) {
	if s == nil {
		return SubmissionRecord{}, errors.New("store not initialized")
	}
	return s.one(selectSubmission+` WHERE handle=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, handle)
}

// Header decodes the solved header of a submission.
func (s *Store) Header(id string) (wcs.Header, error) {
	rec, err := s.Submission(id)
	if err != nil {
		return nil, err
	}
	if rec.HeaderJSON == "" {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNoHeader, id, rec.Status)
	}
	var h wcs.Header
	if err := json.Unmarshal([]byte(rec.HeaderJSON), &h); err != nil {
		return nil, fmt.Errorf("unmarshal header: %w", err)
	}
	return h, nil
}

func (s *Store) one(query string, arg any) (SubmissionRecord, error) {
	rec, err := scanSubmission(s.DB.QueryRow(query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return SubmissionRecord{}, fmt.Errorf("%w: %v", ErrNotFound, arg)
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row scanner) (SubmissionRecord, error) {
	var rec SubmissionRecord
	var imagePath, handle, headerJSON, errorMsg sql.NullString
	var jobID, width, height sql.NullInt64
	var created, updated int64
	var completed sql.NullInt64
	if err := row.Scan(&rec.ID, &rec.Source, &rec.Status, &imagePath, &handle, &jobID, &width, &height, &headerJSON, &errorMsg, &created, &updated, &completed); err != nil {
		return SubmissionRecord{}, err
	}
	rec.ImagePath = imagePath.String
	rec.Handle = handle.String
	rec.JobID = int(jobID.Int64)
	rec.Width = int(width.Int64)
	rec.Height = int(height.Int64)
	rec.HeaderJSON = headerJSON.String
	rec.Error = errorMsg.String
	rec.CreatedAt = time.Unix(0, created)
	rec.UpdatedAt = time.Unix(0, updated)
	if completed.Valid {
		t := time.Unix(0, completed.Int64)
		rec.CompletedAt = &t
	}
	return rec, nil
}
