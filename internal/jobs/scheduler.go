package jobs

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/mailchat/mailchat/internal/store"
)

// DelayClass selects how far into the future a failed job is pushed.
type DelayClass int

const (
	// DelayImmediate retries right away once, then backs off exponentially.
	// Used after a send failed on an established connection.
	DelayImmediate DelayClass = iota
	// DelayStandard is a fixed short delay, used when the server could not
	// be reached at all.
	DelayStandard
	// DelayInCreationPoll is a tight poll while an attachment is still
	// being produced locally.
	DelayInCreationPoll
)

const (
	standardDelay   = 20 * time.Second
	inCreationDelay = 5 * time.Second
	maxBackoff      = 5 * time.Minute
)

// Scheduler manages the durable job queue: enqueueing inside the caller's
// transaction, waking the owning worker, and computing retry times. There is
// one wake channel per job action so workers only stir for their own queue.
type Scheduler struct {
	store *store.Store
	log   *zap.Logger
	wake  map[store.JobAction]chan struct{}
}

func New(s *store.Store, log *zap.Logger) *Scheduler {
	return &Scheduler{
		store: s,
		log:   log.Named("jobs"),
		wake: map[store.JobAction]chan struct{}{
			store.JobSubmitOutbound: make(chan struct{}, 1),
			store.JobUploadInbound:  make(chan struct{}, 1),
		},
	}
}

// Enqueue adds a job inside the caller's transaction. The caller must Kick
// the action after the transaction commits, otherwise the worker may sleep
// until its next timer.
func (s *Scheduler) Enqueue(tx *sql.Tx, action store.JobAction, foreignID int64) error {
	id, err := s.store.AddJobTx(tx, action, foreignID)
	if err != nil {
		return err
	}
	s.log.Debug("job enqueued",
		zap.Int64("job", id), zap.Int("action", int(action)), zap.Int64("foreign", foreignID))
	return nil
}

// Kick wakes the worker owning the action without blocking. A kick that
// finds the channel already armed is dropped, one pending wake is enough.
func (s *Scheduler) Kick(action store.JobAction) {
	select {
	case s.wake[action] <- struct{}{}:
	default:
	}
}

// Wake returns the wake channel for the given action.
func (s *Scheduler) Wake(action store.JobAction) <-chan struct{} {
	return s.wake[action]
}

// NextDue returns the oldest due job for the action, or nil.
func (s *Scheduler) NextDue(action store.JobAction) (*store.Job, error) {
	return s.store.NextDueJob(action, time.Now().Unix())
}

// UntilNext returns how long until the earliest job of the action becomes
// due. ok is false when the queue is empty.
func (s *Scheduler) UntilNext(action store.JobAction) (time.Duration, bool) {
	ts, err := s.store.NextJobTime(action)
	if err != nil || ts == 0 {
		return 0, false
	}
	d := time.Until(time.Unix(ts, 0))
	if d < 0 {
		d = 0
	}
	return d, true
}

// RetryLater reschedules a failed job according to its delay class and
// kicks the worker if the retry is due immediately.
func (s *Scheduler) RetryLater(j *store.Job, class DelayClass) error {
	j.Tries++
	delay := delayFor(class, j.Tries)
	j.DesiredTS = time.Now().Add(delay).Unix()
	if err := s.store.UpdateJobRetry(j); err != nil {
		return err
	}
	s.log.Debug("job rescheduled",
		zap.Int64("job", j.ID), zap.Int("tries", j.Tries), zap.Duration("delay", delay))
	if delay == 0 {
		s.Kick(j.Action)
	}
	return nil
}

// Complete removes a finished or permanently inapplicable job.
func (s *Scheduler) Complete(j *store.Job) error {
	return s.store.DeleteJob(j.ID)
}

func delayFor(class DelayClass, tries int) time.Duration {
	switch class {
	case DelayStandard:
		return standardDelay
	case DelayInCreationPoll:
		return inCreationDelay
	default:
		if tries <= 1 {
			return 0
		}
		d := time.Duration(1<<uint(tries)) * time.Second
		if d > maxBackoff {
			d = maxBackoff
		}
		return d
	}
}
