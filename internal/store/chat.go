package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mailchat/mailchat/internal/bus"
)

const chatFields = "id, type, name, draft_timestamp, draft_txt, blocked, grpid, param"

func scanChat(scan func(dest ...any) error) (*Chat, error) {
	var (
		c       Chat
		blocked int
		packed  string
	)
	err := scan(&c.ID, &c.Type, &c.Name, &c.DraftTimestamp, &c.DraftText, &blocked, &c.GroupID, &packed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Blocked = blocked != 0
	c.Param = UnpackParams(packed)

	// Draft text and timestamp are kept in lockstep; normalize stray rows.
	if c.DraftText == "" || c.DraftTimestamp == 0 {
		c.DraftText = ""
		c.DraftTimestamp = 0
	}

	// Special chats receive a synthesized display name.
	if c.ID == ChatIDDeaddrop {
		c.Name = "Contact requests"
	}
	return &c, nil
}

func getChat(q querier, id int64) (*Chat, error) {
	row := q.QueryRow("SELECT "+chatFields+" FROM chats WHERE id = ?", id)
	return scanChat(row.Scan)
}

// GetChat loads a single chat. Returns ErrNotFound if no row exists.
func (s *Store) GetChat(id int64) (*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getChat(s.db, id)
}

// GetChatTx is GetChat inside the caller's transaction.
func (s *Store) GetChatTx(tx *sql.Tx, id int64) (*Chat, error) {
	return getChat(tx, id)
}

// InsertChatTx creates a chat row and returns its id.
func (s *Store) InsertChatTx(tx *sql.Tx, c *Chat) (int64, error) {
	res, err := tx.Exec(`
		INSERT INTO chats (type, name, draft_timestamp, draft_txt, grpid, param)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.Type, c.Name, c.DraftTimestamp, c.DraftText, c.GroupID, c.Param.Pack())
	if err != nil {
		return 0, fmt.Errorf("insert chat: %w", err)
	}
	return res.LastInsertId()
}

// SetDraft stores or clears the draft of a chat. Setting the same text again
// is a no-op so the draft timestamp does not churn; empty text clears both
// draft fields together. Emits a MsgsChanged event on an actual change.
func (s *Store) SetDraft(chatID int64, text string) error {
	s.mu.Lock()

	chat, err := getChat(s.db, chatID)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	if chat.DraftText == "" && text == "" {
		s.mu.Unlock()
		return nil // no old and no new draft
	}
	if chat.DraftText == text {
		s.mu.Unlock()
		return nil // equal texts do not update the timestamp
	}

	var ts int64
	if text != "" {
		ts = time.Now().Unix()
	}
	_, err = s.db.Exec("UPDATE chats SET draft_timestamp = ?, draft_txt = ? WHERE id = ?", ts, text, chatID)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("set draft: %w", err)
	}

	s.bus.Publish(bus.Event{Kind: bus.MsgsChanged, ChatID: chatID, Timestamp: time.Now()})
	return nil
}

// SetChatNameTx updates the display name of a chat.
func (s *Store) SetChatNameTx(tx *sql.Tx, chatID int64, name string) error {
	_, err := tx.Exec("UPDATE chats SET name = ? WHERE id = ?", name, chatID)
	return err
}

// SetChatBlockedTx sets or clears the blocked flag of a chat.
func (s *Store) SetChatBlockedTx(tx *sql.Tx, chatID int64, blocked bool) error {
	b := 0
	if blocked {
		b = 1
	}
	_, err := tx.Exec("UPDATE chats SET blocked = ? WHERE id = ?", b, chatID)
	return err
}

func updateChatParam(q querier, chatID int64, p Params) error {
	_, err := q.Exec("UPDATE chats SET param = ? WHERE id = ?", p.Pack(), chatID)
	return err
}

// UpdateChatParam persists the parameter map of a chat.
func (s *Store) UpdateChatParam(chatID int64, p Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateChatParam(s.db, chatID, p)
}

// UpdateChatParamTx is UpdateChatParam inside the caller's transaction.
func (s *Store) UpdateChatParamTx(tx *sql.Tx, chatID int64, p Params) error {
	return updateChatParam(tx, chatID, p)
}

// LookupDirectChatTx returns the id of the real direct chat with the given
// contact, or 0 if none exists.
func (s *Store) LookupDirectChatTx(tx *sql.Tx, contactID int64) (int64, error) {
	return lookupDirectChat(tx, contactID)
}

func lookupDirectChat(q querier, contactID int64) (int64, error) {
	var chatID int64
	err := q.QueryRow(`
		SELECT c.id FROM chats c
		INNER JOIN chats_contacts j ON c.id = j.chat_id
		WHERE c.type = ? AND c.id > ? AND j.contact_id = ?`,
		ChatNormal, ChatIDLastSpecial, contactID).Scan(&chatID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return chatID, nil
}

// LookupDirectChat returns the id of the real direct chat with the given
// contact, or 0 if none exists.
func (s *Store) LookupDirectChat(contactID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lookupDirectChat(s.db, contactID)
}

// LookupOrCreateDirectChat returns the direct chat with the given contact,
// creating it if necessary. A new chat is named after the contact's display
// name or address, gets the contact as its single member, and adopts any
// orphaned deaddrop messages exchanged with that contact.
func (s *Store) LookupOrCreateDirectChat(contactID int64) (int64, error) {
	var chatID int64
	err := s.WithTx(func(tx *sql.Tx) error {
		id, err := lookupDirectChat(tx, contactID)
		if err != nil {
			return err
		}
		if id != 0 {
			chatID = id
			return nil
		}

		contact, err := getContact(tx, contactID)
		if err != nil {
			return fmt.Errorf("load contact %d: %w", contactID, err)
		}
		name := contact.Name
		if name == "" {
			name = contact.Addr
		}

		res, err := tx.Exec("INSERT INTO chats (type, name) VALUES (?, ?)", ChatNormal, name)
		if err != nil {
			return fmt.Errorf("create direct chat: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}

		if _, err := tx.Exec(
			"INSERT INTO chats_contacts (chat_id, contact_id) VALUES (?, ?)", id, contactID); err != nil {
			return fmt.Errorf("add membership: %w", err)
		}

		// Adopt messages previously parked in the deaddrop chats.
		if _, err := tx.Exec(`
			UPDATE msgs SET chat_id = ?
			WHERE (chat_id = ? AND from_id = ?) OR (chat_id = ? AND to_id = ?)`,
			id, ChatIDDeaddrop, contactID, ChatIDToDeaddrop, contactID); err != nil {
			return fmt.Errorf("adopt deaddrop msgs: %w", err)
		}

		chatID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	return chatID, nil
}

// ChatCount returns the number of real (non-special) chats.
func (s *Store) ChatCount() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM chats WHERE id > ?", ChatIDLastSpecial).Scan(&n)
	return n, err
}

// DeleteChatTx removes the chat row and its membership rows. Messages are
// deleted separately via DeleteMsgsByChatTx.
func (s *Store) DeleteChatTx(tx *sql.Tx, chatID int64) error {
	if _, err := tx.Exec("DELETE FROM chats_contacts WHERE chat_id = ?", chatID); err != nil {
		return err
	}
	_, err := tx.Exec("DELETE FROM chats WHERE id = ?", chatID)
	return err
}

// AddMemberTx adds a contact to a chat. Adding an existing member is an error
// at the SQL level; callers check membership first.
func (s *Store) AddMemberTx(tx *sql.Tx, chatID, contactID int64) error {
	_, err := tx.Exec("INSERT INTO chats_contacts (chat_id, contact_id) VALUES (?, ?)", chatID, contactID)
	return err
}

// RemoveMemberTx deletes a membership row.
func (s *Store) RemoveMemberTx(tx *sql.Tx, chatID, contactID int64) error {
	_, err := tx.Exec("DELETE FROM chats_contacts WHERE chat_id = ? AND contact_id = ?", chatID, contactID)
	return err
}

func isMember(q querier, chatID, contactID int64) (bool, error) {
	var one int
	err := q.QueryRow(
		"SELECT 1 FROM chats_contacts WHERE chat_id = ? AND contact_id = ?", chatID, contactID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsMember reports whether the contact is a member of the chat. Use with
// ContactIDSelf to check whether the local user is still in a group; the
// local identity is never an explicit member of direct chats.
func (s *Store) IsMember(chatID, contactID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return isMember(s.db, chatID, contactID)
}

// IsMemberTx is IsMember inside the caller's transaction.
func (s *Store) IsMemberTx(tx *sql.Tx, chatID, contactID int64) (bool, error) {
	return isMember(tx, chatID, contactID)
}

func members(q querier, chatID int64) ([]int64, error) {
	rows, err := q.Query(`
		SELECT cc.contact_id FROM chats_contacts cc
		LEFT JOIN contacts c ON c.id = cc.contact_id
		WHERE cc.chat_id = ?
		ORDER BY c.id = ?, LOWER(c.name || c.addr), c.id`,
		chatID, ContactIDSelf)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Members returns the member contact ids of a chat, self sorted last.
func (s *Store) Members(chatID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return members(s.db, chatID)
}

// MembersTx is Members inside the caller's transaction.
func (s *Store) MembersTx(tx *sql.Tx, chatID int64) ([]int64, error) {
	return members(tx, chatID)
}

// MemberCount returns the number of members of a chat.
func (s *Store) MemberCount(chatID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM chats_contacts WHERE chat_id = ?", chatID).Scan(&n)
	return n, err
}
