package chat

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mailchat/mailchat/internal/bus"
	"github.com/mailchat/mailchat/internal/compose"
	"github.com/mailchat/mailchat/internal/config"
	"github.com/mailchat/mailchat/internal/jobs"
	"github.com/mailchat/mailchat/internal/policy"
	"github.com/mailchat/mailchat/internal/store"
)

var (
	// ErrSelfNotInGroup rejects writes to a group the local user has left
	// or was removed from.
	ErrSelfNotInGroup = errors.New("chat: no longer a member of this group")
	// ErrNotAGroup rejects group operations on direct chats.
	ErrNotAGroup = errors.New("chat: not a group chat")
	// ErrSpecialChat rejects writes to reserved internal chats.
	ErrSpecialChat = errors.New("chat: reserved chat cannot be used directly")
)

// Service implements the user-facing chat operations: sending, group
// management and deletion. All mutations run in single store transactions;
// network delivery is handed to the job queue.
type Service struct {
	store *store.Store
	sched *jobs.Scheduler
	comp  *compose.Composer
	pol   *policy.Policy
	cfg   *config.Config
	log   *zap.Logger
}

func NewService(s *store.Store, sched *jobs.Scheduler, comp *compose.Composer,
	pol *policy.Policy, cfg *config.Config, log *zap.Logger) *Service {
	return &Service{store: s, sched: sched, comp: comp, pol: pol, cfg: cfg, log: log.Named("chat")}
}

// CreateChatByContactID returns the direct chat with the given contact,
// creating it if necessary and adopting any of the contact's messages still
// parked in the contact-request chats.
func (svc *Service) CreateChatByContactID(contactID int64) (int64, error) {
	ok, err := svc.store.ContactExists(contactID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, store.ErrNotFound
	}
	chatID, err := svc.store.LookupOrCreateDirectChat(contactID)
	if err != nil {
		return 0, err
	}
	svc.publishChatModified(chatID)
	return chatID, nil
}

// SendText sends a plain text message to the chat.
func (svc *Service) SendText(chatID int64, text string) (int64, error) {
	return svc.SendMsg(chatID, &store.Msg{Type: store.MsgText, Text: text})
}

// SendMsg validates, persists and queues an outgoing message. The first
// message sent to a fresh group promotes it: from then on membership and
// name changes are announced to the other members.
func (svc *Service) SendMsg(chatID int64, msg *store.Msg) (int64, error) {
	if chatID <= store.ChatIDLastSpecial {
		return 0, ErrSpecialChat
	}
	if err := svc.comp.Prepare(msg); err != nil {
		return 0, err
	}

	var msgID int64
	err := svc.store.WithTx(func(tx *sql.Tx) error {
		chat, err := svc.store.GetChatTx(tx, chatID)
		if err != nil {
			return err
		}
		if chat.Type == store.ChatGroup {
			in, err := svc.store.IsMemberTx(tx, chatID, store.ContactIDSelf)
			if err != nil {
				return err
			}
			if !in {
				return ErrSelfNotInGroup
			}
		}
		if chat.Param.Get(store.ParamUnpromoted) != "" {
			chat.Param.Delete(store.ParamUnpromoted)
			if err := svc.store.UpdateChatParamTx(tx, chat.ID, chat.Param); err != nil {
				return err
			}
		}
		msgID, err = svc.sendPreparedTx(tx, chat, msg)
		return err
	})
	if err != nil {
		return 0, err
	}

	svc.sched.Kick(store.JobSubmitOutbound)
	svc.store.Bus().Publish(bus.Event{
		Kind: bus.MsgsChanged, ChatID: chatID, MsgID: msgID, Timestamp: time.Now(),
	})
	svc.log.Info("message queued", zap.Int64("chat", chatID), zap.Int64("msg", msgID))
	return msgID, nil
}

// sendPreparedTx stamps the encryption decision, assigns identity and state
// and queues the message for submission. The row is created under the
// in-creation chat and moved to its real chat in the same transaction, so a
// crash can never leave a half-initialized message visible.
func (svc *Service) sendPreparedTx(tx *sql.Tx, chat *store.Chat, msg *store.Msg) (int64, error) {
	guaranteed, err := svc.pol.CanGuaranteeTx(tx, chat.ID)
	if err != nil {
		return 0, err
	}
	svc.pol.Stamp(msg, guaranteed)

	msg.FromID = store.ContactIDSelf
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	msg.State = store.StateOutPending
	msg.MID = svc.newMsgID(chat)
	msg.ChatID = store.ChatIDMsgsInCreation

	id, err := svc.store.InsertMsgTx(tx, msg)
	if err != nil {
		return 0, err
	}
	if err := svc.store.UpdateMsgChatIDTx(tx, id, chat.ID); err != nil {
		return 0, err
	}
	msg.ID = id
	msg.ChatID = chat.ID

	if err := svc.sched.Enqueue(tx, store.JobSubmitOutbound, id); err != nil {
		return 0, err
	}
	return id, nil
}

// newMsgID builds an RFC 5322 message id under the own domain. Group
// messages carry the group id as a prefix so replies can be routed to the
// right chat without opening the body.
func (svc *Service) newMsgID(chat *store.Chat) string {
	domain := "localhost"
	if i := strings.LastIndex(svc.cfg.Addr, "@"); i >= 0 && i+1 < len(svc.cfg.Addr) {
		domain = svc.cfg.Addr[i+1:]
	}
	if chat.Type == store.ChatGroup && chat.GroupID != "" {
		return fmt.Sprintf("%s.%s@%s", chat.GroupID, uuid.NewString(), domain)
	}
	return fmt.Sprintf("%s@%s", uuid.NewString(), domain)
}

func (svc *Service) publishChatModified(chatID int64) {
	svc.store.Bus().Publish(bus.Event{
		Kind: bus.ChatModified, ChatID: chatID, Timestamp: time.Now(),
	})
}
