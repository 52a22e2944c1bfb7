package chat

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mailchat/mailchat/internal/bus"
	"github.com/mailchat/mailchat/internal/store"
)

// DeleteChat removes a chat. Direct chats, unpromoted groups and groups the
// local user already left disappear immediately. A promoted group the user
// is still in is deleted in two phases: the chat is marked blocked and a
// farewell carrying a one-time token goes out first; the rows are removed
// only once that message reached the server, so other devices of this
// account learn about the departure. Until then the chat is merely blocked,
// not deleted.
func (svc *Service) DeleteChat(chatID int64) error {
	if chatID <= store.ChatIDLastSpecial {
		return ErrSpecialChat
	}
	chat, err := svc.store.GetChat(chatID)
	if err != nil {
		return err
	}

	selfIn, err := svc.store.IsMember(chatID, store.ContactIDSelf)
	if err != nil {
		return err
	}
	twoPhase := chat.Type == store.ChatGroup &&
		chat.Param.Get(store.ParamUnpromoted) == "" &&
		selfIn && !svc.cfg.SkipUpload
	if !twoPhase {
		return svc.DeleteChatPhysically(chatID)
	}

	token := uuid.NewString()
	err = svc.store.WithTx(func(tx *sql.Tx) error {
		chat, err := svc.store.GetChatTx(tx, chatID)
		if err != nil {
			return err
		}
		if err := svc.store.SetExplicitlyLeftTx(tx, chat.GroupID); err != nil {
			return err
		}
		// Blocked and stamped first; the membership row stays until the
		// farewell round-trips and phase two removes everything at once.
		if err := svc.store.SetChatBlockedTx(tx, chatID, true); err != nil {
			return err
		}
		chat.Param.Set(store.ParamDelAfterSend, token)
		if err := svc.store.UpdateChatParamTx(tx, chatID, chat.Param); err != nil {
			return err
		}

		p := store.NewParams()
		p.SetInt(store.ParamSysCmd, int(store.SysCmdMemberRemoved))
		p.Set(store.ParamSysCmdArg, svc.cfg.Addr)
		p.Set(store.ParamDelAfterSend, token)
		_, err = svc.sendPreparedTx(tx, chat, &store.Msg{
			Type: store.MsgText, Text: "You left the group.", Param: p,
		})
		return err
	})
	if err != nil {
		return err
	}

	svc.sched.Kick(store.JobSubmitOutbound)
	svc.publishChatModified(chatID)
	svc.log.Info("chat deletion deferred until farewell is out",
		zap.Int64("chat", chatID), zap.String("token", token))
	return nil
}

// DeleteChatPhysically removes the chat, its messages and its memberships
// in one transaction. Called directly for immediate deletions and by the
// upload worker when a deletion token comes back confirmed.
func (svc *Service) DeleteChatPhysically(chatID int64) error {
	err := svc.store.WithTx(func(tx *sql.Tx) error {
		if err := svc.store.DeleteMsgsByChatTx(tx, chatID); err != nil {
			return err
		}
		return svc.store.DeleteChatTx(tx, chatID)
	})
	if err != nil {
		return err
	}

	now := time.Now()
	svc.store.Bus().Publish(bus.Event{Kind: bus.MsgsChanged, ChatID: chatID, Timestamp: now})
	svc.store.Bus().Publish(bus.Event{Kind: bus.ChatModified, ChatID: chatID, Timestamp: now})
	svc.log.Info("chat deleted", zap.Int64("chat", chatID))
	return nil
}
