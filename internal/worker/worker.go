package worker

import (
	"time"

	"go.uber.org/zap"

	"github.com/mailchat/mailchat/internal/jobs"
	"github.com/mailchat/mailchat/internal/store"
)

// outcome is the verdict of a processor on a single job.
type outcome int

const (
	outcomeDone           outcome = iota // finished, remove the job
	outcomeDrop                          // permanently inapplicable, remove the job
	outcomeRetryStandard                 // server unreachable, retry after a fixed pause
	outcomeRetryImmediate                // failed mid-session, retry with escalating backoff
	outcomeRetryPoll                     // attachment still being produced, poll tightly
)

// processor executes jobs of one action kind. process must not panic on a
// job whose referent has disappeared; it returns outcomeDrop instead.
type processor interface {
	process(j *store.Job) outcome
	shutdown()
}

// Worker owns one job queue: it drains due jobs, translates processor
// verdicts into scheduler calls, and sleeps until the next wake-up or the
// next job's due time.
type Worker struct {
	name   string
	action store.JobAction
	sched  *jobs.Scheduler
	proc   processor
	log    *zap.Logger

	quit chan struct{}
	done chan struct{}
}

func newWorker(name string, action store.JobAction, sched *jobs.Scheduler, proc processor, log *zap.Logger) *Worker {
	return &Worker{
		name:   name,
		action: action,
		sched:  sched,
		proc:   proc,
		log:    log.Named(name),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	go w.run()
	w.log.Info("worker started")
}

// Stop signals the worker and blocks until it has shut down, including the
// processor's network session.
func (w *Worker) Stop() {
	close(w.quit)
	<-w.done
	w.log.Info("worker stopped")
}

// Kick wakes the worker outside of its timer, typically right after a job
// was committed.
func (w *Worker) Kick() {
	w.sched.Kick(w.action)
}

func (w *Worker) run() {
	defer close(w.done)
	defer w.proc.shutdown()

	for {
		w.drain()

		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		if d, ok := w.sched.UntilNext(w.action); ok {
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		select {
		case <-w.quit:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.sched.Wake(w.action):
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// drain processes due jobs until the queue runs dry or shutdown is
// requested.
func (w *Worker) drain() {
	for {
		select {
		case <-w.quit:
			return
		default:
		}

		j, err := w.sched.NextDue(w.action)
		if err != nil {
			w.log.Error("job query failed", zap.Error(err))
			return
		}
		if j == nil {
			return
		}

		var verdict error
		switch w.proc.process(j) {
		case outcomeDone, outcomeDrop:
			verdict = w.sched.Complete(j)
		case outcomeRetryStandard:
			verdict = w.sched.RetryLater(j, jobs.DelayStandard)
		case outcomeRetryImmediate:
			verdict = w.sched.RetryLater(j, jobs.DelayImmediate)
		case outcomeRetryPoll:
			verdict = w.sched.RetryLater(j, jobs.DelayInCreationPoll)
		}
		if verdict != nil {
			w.log.Error("job bookkeeping failed", zap.Int64("job", j.ID), zap.Error(verdict))
			return
		}
	}
}
