package worker

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mailchat/mailchat/internal/bus"
	"github.com/mailchat/mailchat/internal/config"
	"github.com/mailchat/mailchat/internal/jobs"
	"github.com/mailchat/mailchat/internal/policy"
	"github.com/mailchat/mailchat/internal/render"
	"github.com/mailchat/mailchat/internal/store"
)

// Submitter is the network client the outbound worker speaks through.
// Implemented by transport.SMTP.
type Submitter interface {
	Connected() bool
	Connect() error
	Send(from string, to []string, raw []byte) error
	Disconnect()
}

// SubmitWorker delivers pending outgoing messages over the submission
// transport.
type SubmitWorker struct {
	*Worker
}

func NewSubmitWorker(s *store.Store, sched *jobs.Scheduler, factory *render.Factory,
	smtp Submitter, cfg *config.Config, log *zap.Logger) *SubmitWorker {

	proc := &submitProc{
		store:   s,
		sched:   sched,
		factory: factory,
		smtp:    smtp,
		cfg:     cfg,
		log:     log.Named("submit"),
	}
	return &SubmitWorker{newWorker("submit", store.JobSubmitOutbound, sched, proc, log)}
}

type submitProc struct {
	store   *store.Store
	sched   *jobs.Scheduler
	factory *render.Factory
	smtp    Submitter
	cfg     *config.Config
	log     *zap.Logger
}

func (p *submitProc) process(j *store.Job) outcome {
	res, err := p.factory.Build(j.ForeignID, false)
	if err == store.ErrNotFound {
		// The message or its chat was deleted while the job was queued.
		p.log.Info("message gone, dropping job", zap.Int64("msg", j.ForeignID))
		return outcomeDrop
	}
	if err != nil {
		p.log.Warn("render failed", zap.Int64("msg", j.ForeignID), zap.Error(err))
		return outcomeRetryStandard
	}
	if res.InCreation {
		return outcomeRetryPoll
	}

	// A guaranteed-encrypted message must never leave in the clear.
	if policy.Guaranteed(res.Msg) && !res.Encrypted {
		p.markUnencryptable(res.Msg)
		return outcomeDrop
	}

	if len(res.Recipients) > 0 {
		if !p.smtp.Connected() {
			if err := p.smtp.Connect(); err != nil {
				p.log.Warn("submission server unreachable", zap.Error(err))
				return outcomeRetryStandard
			}
		}
		if err := p.smtp.Send(res.From, res.Recipients, res.Raw); err != nil {
			p.log.Warn("send failed", zap.Int64("msg", res.Msg.ID), zap.Error(err))
			p.smtp.Disconnect()
			return outcomeRetryImmediate
		}
	}

	p.saveEML(res)

	err = p.store.WithTx(func(tx *sql.Tx) error {
		if err := p.store.UpdateMsgStateTx(tx, res.Msg.ID, store.StateOutDelivered); err != nil {
			return err
		}
		if res.Encrypted && !policy.Guaranteed(res.Msg) {
			// Encryption worked out opportunistically; remember that.
			res.Msg.Param.Set(store.ParamGuaranteeE2EE, "1")
			if err := p.store.SaveMsgParamTx(tx, res.Msg); err != nil {
				return err
			}
		}
		if !p.cfg.SkipUpload {
			return p.sched.Enqueue(tx, store.JobUploadInbound, res.Msg.ID)
		}
		return nil
	})
	if err != nil {
		// Sent but not recorded; retrying would duplicate the mail, so
		// surface loudly and drop.
		p.log.Error("sent but state update failed", zap.Int64("msg", res.Msg.ID), zap.Error(err))
		return outcomeDrop
	}
	if !p.cfg.SkipUpload {
		p.sched.Kick(store.JobUploadInbound)
	}

	p.store.Bus().Publish(bus.Event{
		Kind: bus.MsgDelivered, ChatID: res.Msg.ChatID, MsgID: res.Msg.ID, Timestamp: time.Now(),
	})
	p.log.Info("message delivered",
		zap.Int64("msg", res.Msg.ID), zap.Int("recipients", len(res.Recipients)),
		zap.Bool("encrypted", res.Encrypted))
	return outcomeDone
}

// markUnencryptable puts the message into its terminal error state and
// notifies the UI.
func (p *submitProc) markUnencryptable(msg *store.Msg) {
	err := p.store.WithTx(func(tx *sql.Tx) error {
		msg.Param.Set(store.ParamErroneousE2EE, "1")
		if err := p.store.SaveMsgParamTx(tx, msg); err != nil {
			return err
		}
		return p.store.UpdateMsgStateTx(tx, msg.ID, store.StateOutError)
	})
	if err != nil {
		p.log.Error("cannot mark message undeliverable", zap.Int64("msg", msg.ID), zap.Error(err))
		return
	}
	p.store.Bus().Publish(bus.Event{
		Kind: bus.MsgsChanged, ChatID: msg.ChatID, MsgID: msg.ID, Timestamp: time.Now(),
	})
	p.log.Warn("encryption required but unavailable", zap.Int64("msg", msg.ID))
}

// saveEML writes a debug copy of the submitted mail when configured.
func (p *submitProc) saveEML(res *render.Result) {
	if p.cfg.SaveEMLDir == "" {
		return
	}
	name := fmt.Sprintf("msg-%d.eml", res.Msg.ID)
	if err := os.WriteFile(filepath.Join(p.cfg.SaveEMLDir, name), res.Raw, 0o600); err != nil {
		p.log.Warn("eml copy failed", zap.Error(err))
	}
}

func (p *submitProc) shutdown() {
	p.smtp.Disconnect()
}
