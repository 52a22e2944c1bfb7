package store

import (
	"database/sql"
	"fmt"
)

const msgFields = "id, mid, chat_id, from_id, to_id, timestamp, type, state, txt, param, server_folder, server_uid"

func scanMsg(scan func(dest ...any) error) (*Msg, error) {
	var (
		m      Msg
		packed string
	)
	err := scan(&m.ID, &m.MID, &m.ChatID, &m.FromID, &m.ToID, &m.Timestamp,
		&m.Type, &m.State, &m.Text, &packed, &m.ServerFolder, &m.ServerUID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Param = UnpackParams(packed)
	return &m, nil
}

func msgByID(q querier, id int64) (*Msg, error) {
	row := q.QueryRow("SELECT "+msgFields+" FROM msgs WHERE id = ?", id)
	return scanMsg(row.Scan)
}

// MsgByID loads a single message. Returns ErrNotFound if no row exists.
func (s *Store) MsgByID(id int64) (*Msg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return msgByID(s.db, id)
}

// MsgByIDTx is MsgByID inside the caller's transaction.
func (s *Store) MsgByIDTx(tx *sql.Tx, id int64) (*Msg, error) {
	return msgByID(tx, id)
}

// InsertMsgTx creates a message row and returns its id.
func (s *Store) InsertMsgTx(tx *sql.Tx, m *Msg) (int64, error) {
	res, err := tx.Exec(`
		INSERT INTO msgs (mid, chat_id, from_id, to_id, timestamp, type, state, txt, param)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MID, m.ChatID, m.FromID, m.ToID, m.Timestamp, m.Type, m.State, m.Text, m.Param.Pack())
	if err != nil {
		return 0, fmt.Errorf("insert msg: %w", err)
	}
	return res.LastInsertId()
}

// UpdateMsgChatIDTx moves a message to its final chat. Used to finalize rows
// created under ChatIDMsgsInCreation once the real chat id is known.
func (s *Store) UpdateMsgChatIDTx(tx *sql.Tx, msgID, chatID int64) error {
	_, err := tx.Exec("UPDATE msgs SET chat_id = ? WHERE id = ?", chatID, msgID)
	return err
}

// Outgoing state transitions are monotonic: a message never regresses from
// delivered or error back to pending, and error is terminal.
func updateMsgState(q querier, msgID int64, state MsgState) error {
	_, err := q.Exec(
		"UPDATE msgs SET state = ? WHERE id = ? AND state < ? AND state <> ?",
		state, msgID, state, StateOutError)
	return err
}

// UpdateMsgState advances the lifecycle state of a message. Regressing
// transitions are silently ignored.
func (s *Store) UpdateMsgState(msgID int64, state MsgState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateMsgState(s.db, msgID, state)
}

// UpdateMsgStateTx is UpdateMsgState inside the caller's transaction.
func (s *Store) UpdateMsgStateTx(tx *sql.Tx, msgID int64, state MsgState) error {
	return updateMsgState(tx, msgID, state)
}

func saveMsgParam(q querier, m *Msg) error {
	_, err := q.Exec("UPDATE msgs SET param = ? WHERE id = ?", m.Param.Pack(), m.ID)
	return err
}

// SaveMsgParam persists the parameter map of a message.
func (s *Store) SaveMsgParam(m *Msg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveMsgParam(s.db, m)
}

// SaveMsgParamTx is SaveMsgParam inside the caller's transaction.
func (s *Store) SaveMsgParamTx(tx *sql.Tx, m *Msg) error {
	return saveMsgParam(tx, m)
}

// UpdateServerUID records the server-assigned location of an uploaded message.
func (s *Store) UpdateServerUID(mid, folder string, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("UPDATE msgs SET server_folder = ?, server_uid = ? WHERE mid = ?", folder, uid, mid)
	return err
}

// ServerCopy locates a message copy stored on the mail server.
type ServerCopy struct {
	Folder string
	UID    uint32
}

// ChatServerCopies returns the server locations of all uploaded messages of
// a chat, for purging the server side when the chat is deleted.
func (s *Store) ChatServerCopies(chatID int64) ([]ServerCopy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT server_folder, server_uid FROM msgs WHERE chat_id = ? AND server_uid <> 0", chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var copies []ServerCopy
	for rows.Next() {
		var c ServerCopy
		if err := rows.Scan(&c.Folder, &c.UID); err != nil {
			return nil, err
		}
		copies = append(copies, c)
	}
	return copies, rows.Err()
}

// DeleteMsgsByChatTx removes all messages of a chat.
func (s *Store) DeleteMsgsByChatTx(tx *sql.Tx, chatID int64) error {
	_, err := tx.Exec("DELETE FROM msgs WHERE chat_id = ?", chatID)
	return err
}

// ChatMsgs returns the message ids of a chat in display order: ascending by
// timestamp, then id.
func (s *Store) ChatMsgs(chatID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queryIDs(s.db,
		"SELECT id FROM msgs WHERE chat_id = ? ORDER BY timestamp, id", chatID)
}

// ChatMedia returns the ids of media messages of the given type in a chat,
// ordered by timestamp then id. altType, when non-zero, is accepted as well.
func (s *Store) ChatMedia(chatID int64, msgType, altType MsgType) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return chatMedia(s.db, chatID, msgType, altType)
}

func chatMedia(q querier, chatID int64, msgType, altType MsgType) ([]int64, error) {
	if altType == MsgUndefined {
		altType = msgType
	}
	return queryIDs(q,
		"SELECT id FROM msgs WHERE chat_id = ? AND (type = ? OR type = ?) ORDER BY timestamp, id",
		chatID, msgType, altType)
}

// NextMedia returns the id of the next (dir > 0) or previous (dir < 0) media
// message of the same type within the chat of the given message, or 0 if
// there is none or the message is not part of the media list.
func (s *Store) NextMedia(msgID int64, dir int) (int64, error) {
	s.mu.Lock()
	msg, err := msgByID(s.db, msgID)
	if err != nil {
		s.mu.Unlock()
		if err == ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	list, err := chatMedia(s.db, msg.ChatID, msg.Type, MsgUndefined)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	for i, id := range list {
		if id != msgID {
			continue
		}
		switch {
		case dir > 0 && i+1 < len(list):
			return list[i+1], nil
		case dir < 0 && i-1 >= 0:
			return list[i-1], nil
		}
		return 0, nil
	}
	return 0, nil
}

// FreshMsgCount returns the number of incoming messages of a chat not yet
// noticed by the user.
func (s *Store) FreshMsgCount(chatID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM msgs WHERE state = ? AND chat_id = ?", StateInFresh, chatID).Scan(&n)
	return n, err
}

// TotalMsgCount returns the number of messages of a chat.
func (s *Store) TotalMsgCount(chatID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM msgs WHERE chat_id = ?", chatID).Scan(&n)
	return n, err
}

// MarkNoticedChat marks all fresh messages of a chat as noticed. Noticed
// messages no longer count as unread but are still waiting to be seen.
func (s *Store) MarkNoticedChat(chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		"UPDATE msgs SET state = ? WHERE chat_id = ? AND state = ?",
		StateInNoticed, chatID, StateInFresh)
	return err
}

func queryIDs(q querier, query string, args ...any) ([]int64, error) {
	rows, err := q.Query(query, args...)
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
