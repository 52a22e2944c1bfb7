package store

import "strings"

// SearchMsgs performs a full-text search over message bodies. With a chat id
// the results are scoped to that chat and ordered ascending by timestamp;
// with chat id 0 the overview spans all real chats and is ordered descending
// (newest first). Special chats are excluded from the overview.
func (s *Store) SearchMsgs(chatID int64, query string) ([]int64, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	// Quote the user input as an FTS phrase so operator characters cannot
	// break the query.
	match := `"` + strings.ReplaceAll(query, `"`, `""`) + `"`

	s.mu.Lock()
	defer s.mu.Unlock()

	if chatID != 0 {
		return queryIDs(s.db, `
			SELECT m.id FROM msgs_fts f
			JOIN msgs m ON m.id = f.rowid
			WHERE msgs_fts MATCH ? AND m.chat_id = ?
			ORDER BY m.timestamp, m.id`,
			match, chatID)
	}
	return queryIDs(s.db, `
		SELECT m.id FROM msgs_fts f
		JOIN msgs m ON m.id = f.rowid
		WHERE msgs_fts MATCH ? AND m.chat_id > ?
		ORDER BY m.timestamp DESC, m.id DESC`,
		match, ChatIDLastSpecial)
}
