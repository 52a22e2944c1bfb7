package store

import (
	"database/sql"
	"fmt"
	"time"
)

const jobFields = "id, action, foreign_id, added_ts, desired_ts, tries"

// AddJobTx inserts a durable job row inside the caller's transaction; it
// becomes visible to workers only after commit.
func (s *Store) AddJobTx(tx *sql.Tx, action JobAction, foreignID int64) (int64, error) {
	now := time.Now().Unix()
	res, err := tx.Exec(`
		INSERT INTO jobs (action, foreign_id, added_ts, desired_ts, tries)
		VALUES (?, ?, ?, ?, 0)`,
		action, foreignID, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return res.LastInsertId()
}

// NextDueJob returns the oldest job of the given action whose next-eligible
// time has elapsed, or nil if none is due.
func (s *Store) NextDueJob(action JobAction, now int64) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var j Job
	err := s.db.QueryRow(
		"SELECT "+jobFields+" FROM jobs WHERE action = ? AND desired_ts <= ? ORDER BY id LIMIT 1",
		action, now).
		Scan(&j.ID, &j.Action, &j.ForeignID, &j.AddedTS, &j.DesiredTS, &j.Tries)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// NextJobTime returns the earliest next-eligible time of any job of the given
// action, or 0 if no job exists.
func (s *Store) NextJobTime(action JobAction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ts sql.NullInt64
	err := s.db.QueryRow("SELECT MIN(desired_ts) FROM jobs WHERE action = ?", action).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// UpdateJobRetry persists an advanced retry count and next-eligible time.
func (s *Store) UpdateJobRetry(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("UPDATE jobs SET desired_ts = ?, tries = ? WHERE id = ?", j.DesiredTS, j.Tries, j.ID)
	return err
}

// DeleteJob removes a completed or permanently inapplicable job.
func (s *Store) DeleteJob(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM jobs WHERE id = ?", id)
	return err
}

// JobCount returns the number of pending jobs of the given action.
func (s *Store) JobCount(action JobAction) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM jobs WHERE action = ?", action).Scan(&n)
	return n, err
}
