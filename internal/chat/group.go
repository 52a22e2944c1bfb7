package chat

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mailchat/mailchat/internal/store"
)

// CreateGroupChat creates a fresh, unpromoted group with the local user as
// its only member. Nothing goes over the wire until the first message is
// sent; until then the group can be renamed and filled silently.
func (svc *Service) CreateGroupChat(name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New("chat: group name must not be empty")
	}

	var chatID int64
	err := svc.store.WithTx(func(tx *sql.Tx) error {
		p := store.NewParams()
		p.Set(store.ParamUnpromoted, "1")
		var err error
		chatID, err = svc.store.InsertChatTx(tx, &store.Chat{
			Type: store.ChatGroup, Name: name, GroupID: uuid.NewString(), Param: p,
		})
		if err != nil {
			return err
		}
		return svc.store.AddMemberTx(tx, chatID, store.ContactIDSelf)
	})
	if err != nil {
		return 0, err
	}

	if err := svc.store.SetDraft(chatID, fmt.Sprintf("Hello, I created the group %q for us.", name)); err != nil {
		svc.log.Warn("suggested draft not set", zap.Int64("chat", chatID), zap.Error(err))
	}
	svc.publishChatModified(chatID)
	svc.log.Info("group created", zap.Int64("chat", chatID), zap.String("name", name))
	return chatID, nil
}

// groupForUpdateTx loads a chat and verifies it is a group the local user
// is still a member of.
func (svc *Service) groupForUpdateTx(tx *sql.Tx, chatID int64) (*store.Chat, error) {
	chat, err := svc.store.GetChatTx(tx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.Type != store.ChatGroup {
		return nil, ErrNotAGroup
	}
	in, err := svc.store.IsMemberTx(tx, chatID, store.ContactIDSelf)
	if err != nil {
		return nil, err
	}
	if !in {
		return nil, ErrSelfNotInGroup
	}
	return chat, nil
}

// statusMailTx queues a system message announcing a group change. Unpromoted
// groups change silently; nobody outside knows about them yet.
func (svc *Service) statusMailTx(tx *sql.Tx, chat *store.Chat, cmd store.SysCmd, arg, text string) error {
	if chat.Param.Get(store.ParamUnpromoted) != "" {
		return nil
	}
	p := store.NewParams()
	p.SetInt(store.ParamSysCmd, int(cmd))
	p.Set(store.ParamSysCmdArg, arg)
	_, err := svc.sendPreparedTx(tx, chat, &store.Msg{Type: store.MsgText, Text: text, Param: p})
	return err
}

// SetChatName renames a group. Renaming to the current name is a no-op.
func (svc *Service) SetChatName(chatID int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("chat: group name must not be empty")
	}

	changed := false
	err := svc.store.WithTx(func(tx *sql.Tx) error {
		chat, err := svc.groupForUpdateTx(tx, chatID)
		if err != nil {
			return err
		}
		if chat.Name == name {
			return nil
		}
		if err := svc.store.SetChatNameTx(tx, chatID, name); err != nil {
			return err
		}
		old := chat.Name
		chat.Name = name
		changed = true
		return svc.statusMailTx(tx, chat, store.SysCmdGroupNameChanged, old,
			fmt.Sprintf("Group name changed from %q to %q.", old, name))
	})
	if err != nil || !changed {
		return err
	}

	svc.sched.Kick(store.JobSubmitOutbound)
	svc.publishChatModified(chatID)
	return nil
}

// SetChatImage sets or, with an empty path, removes the group image.
func (svc *Service) SetChatImage(chatID int64, path string) error {
	err := svc.store.WithTx(func(tx *sql.Tx) error {
		chat, err := svc.groupForUpdateTx(tx, chatID)
		if err != nil {
			return err
		}
		chat.Param.Set(store.ParamProfileImage, path)
		if err := svc.store.UpdateChatParamTx(tx, chatID, chat.Param); err != nil {
			return err
		}
		text := "Group image changed."
		if path == "" {
			text = "Group image deleted."
		}
		return svc.statusMailTx(tx, chat, store.SysCmdGroupImageChanged, path, text)
	})
	if err != nil {
		return err
	}

	svc.sched.Kick(store.JobSubmitOutbound)
	svc.publishChatModified(chatID)
	return nil
}

// AddMemberToChat adds a contact to a group. Adding an existing member or
// the own address is a no-op.
func (svc *Service) AddMemberToChat(chatID, contactID int64) error {
	changed := false
	err := svc.store.WithTx(func(tx *sql.Tx) error {
		chat, err := svc.groupForUpdateTx(tx, chatID)
		if err != nil {
			return err
		}
		contact, err := svc.store.GetContactTx(tx, contactID)
		if err != nil {
			return err
		}
		if contact.Addr == svc.cfg.Addr {
			return nil
		}
		in, err := svc.store.IsMemberTx(tx, chatID, contactID)
		if err != nil {
			return err
		}
		if in {
			return nil
		}
		if err := svc.store.AddMemberTx(tx, chatID, contactID); err != nil {
			return err
		}
		changed = true
		return svc.statusMailTx(tx, chat, store.SysCmdMemberAdded, contact.Addr,
			fmt.Sprintf("Member %s added.", displayName(contact)))
	})
	if err != nil || !changed {
		return err
	}

	svc.sched.Kick(store.JobSubmitOutbound)
	svc.publishChatModified(chatID)
	return nil
}

// RemoveMemberFromChat removes a contact from a group. Removing the local
// user leaves the group: the fact is recorded durably first so a later
// incoming copy of the group cannot silently re-add this account. The
// announcement is queued before the membership row disappears, while the
// removed member is still an addressee.
func (svc *Service) RemoveMemberFromChat(chatID, contactID int64) error {
	changed := false
	err := svc.store.WithTx(func(tx *sql.Tx) error {
		chat, err := svc.groupForUpdateTx(tx, chatID)
		if err != nil {
			return err
		}
		in, err := svc.store.IsMemberTx(tx, chatID, contactID)
		if err != nil {
			return err
		}
		if !in {
			return nil
		}

		if contactID == store.ContactIDSelf {
			if err := svc.store.SetExplicitlyLeftTx(tx, chat.GroupID); err != nil {
				return err
			}
			if err := svc.statusMailTx(tx, chat, store.SysCmdMemberRemoved, svc.cfg.Addr,
				"You left the group."); err != nil {
				return err
			}
		} else {
			contact, err := svc.store.GetContactTx(tx, contactID)
			if err != nil {
				return err
			}
			if err := svc.statusMailTx(tx, chat, store.SysCmdMemberRemoved, contact.Addr,
				fmt.Sprintf("Member %s removed.", displayName(contact))); err != nil {
				return err
			}
		}
		changed = true
		return svc.store.RemoveMemberTx(tx, chatID, contactID)
	})
	if err != nil || !changed {
		return err
	}

	svc.sched.Kick(store.JobSubmitOutbound)
	svc.publishChatModified(chatID)
	return nil
}

// LeaveGroup removes the local user from the group.
func (svc *Service) LeaveGroup(chatID int64) error {
	return svc.RemoveMemberFromChat(chatID, store.ContactIDSelf)
}

func displayName(c *store.Contact) string {
	if c.Name != "" {
		return c.Name
	}
	return c.Addr
}
