package worker

import (
	"time"

	"go.uber.org/zap"

	"github.com/mailchat/mailchat/internal/config"
	"github.com/mailchat/mailchat/internal/jobs"
	"github.com/mailchat/mailchat/internal/render"
	"github.com/mailchat/mailchat/internal/store"
)

// Uploader is the mailbox client the upload worker speaks through.
// Implemented by transport.IMAP.
type Uploader interface {
	Connected() bool
	Connect() error
	Append(folder string, raw []byte, when time.Time) (uint32, error)
	DeleteMsg(folder string, uid uint32) error
	Disconnect()
}

// Deleter finishes a pending chat deletion once its marker message reached
// the server. Implemented by chat.Service.
type Deleter interface {
	DeleteChatPhysically(chatID int64) error
}

// UploadWorker stores sent messages in the account's own mailbox and
// completes deferred chat deletions.
type UploadWorker struct {
	*Worker
}

func NewUploadWorker(s *store.Store, sched *jobs.Scheduler, factory *render.Factory,
	imap Uploader, deleter Deleter, cfg *config.Config, log *zap.Logger) *UploadWorker {

	proc := &uploadProc{
		store:   s,
		factory: factory,
		imap:    imap,
		deleter: deleter,
		cfg:     cfg,
		log:     log.Named("upload"),
	}
	return &UploadWorker{newWorker("upload", store.JobUploadInbound, sched, proc, log)}
}

type uploadProc struct {
	store   *store.Store
	factory *render.Factory
	imap    Uploader
	deleter Deleter
	cfg     *config.Config
	log     *zap.Logger
}

func (p *uploadProc) process(j *store.Job) outcome {
	// Re-render with the own address among the encryption recipients so the
	// uploaded copy stays readable here.
	res, err := p.factory.Build(j.ForeignID, true)
	if err == store.ErrNotFound {
		p.log.Info("message gone, dropping upload", zap.Int64("msg", j.ForeignID))
		return outcomeDrop
	}
	if err != nil {
		p.log.Warn("render for upload failed", zap.Int64("msg", j.ForeignID), zap.Error(err))
		return outcomeRetryStandard
	}
	if res.InCreation {
		return outcomeRetryPoll
	}

	if !p.imap.Connected() {
		if err := p.imap.Connect(); err != nil {
			p.log.Warn("mailbox unreachable", zap.Error(err))
			return outcomeRetryStandard
		}
	}

	uid, err := p.imap.Append(p.cfg.SentFolder, res.Raw, time.Unix(res.Msg.Timestamp, 0))
	if err != nil {
		p.log.Warn("append failed", zap.Int64("msg", res.Msg.ID), zap.Error(err))
		p.imap.Disconnect()
		return outcomeRetryImmediate
	}
	if err := p.store.UpdateServerUID(res.Msg.MID, p.cfg.SentFolder, uid); err != nil {
		p.log.Error("uid bookkeeping failed", zap.Int64("msg", res.Msg.ID), zap.Error(err))
	}
	p.log.Info("message uploaded",
		zap.Int64("msg", res.Msg.ID), zap.String("folder", p.cfg.SentFolder), zap.Uint32("uid", uid))

	p.finishDeletion(res)
	return outcomeDone
}

// finishDeletion completes a two-phase chat deletion: the chat is removed
// only when this very message is the deletion marker the chat is waiting
// for. Server copies recorded during earlier uploads are purged first,
// best-effort; the local deletion proceeds regardless.
func (p *uploadProc) finishDeletion(res *render.Result) {
	token := res.Msg.Param.Get(store.ParamDelAfterSend)
	if token == "" || res.Chat.Param.Get(store.ParamDelAfterSend) != token {
		return
	}

	copies, err := p.store.ChatServerCopies(res.Chat.ID)
	if err != nil {
		p.log.Warn("server copies not listed", zap.Int64("chat", res.Chat.ID), zap.Error(err))
	}
	for _, c := range copies {
		if err := p.imap.DeleteMsg(c.Folder, c.UID); err != nil {
			p.log.Warn("server copy not deleted",
				zap.String("folder", c.Folder), zap.Uint32("uid", c.UID), zap.Error(err))
		}
	}

	if err := p.deleter.DeleteChatPhysically(res.Chat.ID); err != nil {
		p.log.Error("deferred chat deletion failed", zap.Int64("chat", res.Chat.ID), zap.Error(err))
		return
	}
	p.log.Info("chat deleted after farewell reached the server", zap.Int64("chat", res.Chat.ID))
}

func (p *uploadProc) shutdown() {
	p.imap.Disconnect()
}
