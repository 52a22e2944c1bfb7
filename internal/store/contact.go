package store

import (
	"database/sql"
	"fmt"
)

func getContact(q querier, id int64) (*Contact, error) {
	var c Contact
	err := q.QueryRow("SELECT id, name, addr FROM contacts WHERE id = ?", id).
		Scan(&c.ID, &c.Name, &c.Addr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetContact loads a single contact. Returns ErrNotFound if no row exists.
func (s *Store) GetContact(id int64) (*Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getContact(s.db, id)
}

// GetContactTx is GetContact inside the caller's transaction.
func (s *Store) GetContactTx(tx *sql.Tx, id int64) (*Contact, error) {
	return getContact(tx, id)
}

// AddOrLookupContact creates a contact for the given address or returns the
// existing one. A non-empty name updates the stored name.
func (s *Store) AddOrLookupContact(name, addr string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.db.QueryRow("SELECT id FROM contacts WHERE addr = ?", addr).Scan(&id)
	if err == nil {
		if name != "" {
			if _, err := s.db.Exec("UPDATE contacts SET name = ? WHERE id = ?", name, id); err != nil {
				return 0, err
			}
		}
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	res, err := s.db.Exec("INSERT INTO contacts (name, addr) VALUES (?, ?)", name, addr)
	if err != nil {
		return 0, fmt.Errorf("insert contact: %w", err)
	}
	return res.LastInsertId()
}

// SetSelfContact writes the local identity into the reserved self row. Run
// at startup so rendered mails and membership checks see the configured
// address.
func (s *Store) SetSelfContact(name, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("UPDATE contacts SET name = ?, addr = ? WHERE id = ?", name, addr, ContactIDSelf)
	return err
}

// ContactExists reports whether a real (non-reserved) contact row exists.
func (s *Store) ContactExists(id int64) (bool, error) {
	if id <= ContactIDLastSpecial {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var one int
	err := s.db.QueryRow("SELECT 1 FROM contacts WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetPeerTrust records the externally synced encryption preference for an
// address. The core only reads these rows.
func (s *Store) SetPeerTrust(addr string, state TrustState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO peerstates (addr, prefer_encrypted) VALUES (?, ?)
		ON CONFLICT(addr) DO UPDATE SET prefer_encrypted = excluded.prefer_encrypted`,
		addr, state)
	return err
}

// TrustStatesTx returns the trust state of every non-reserved member of a
// chat. Members without a peerstate row count as TrustNoPreference.
func (s *Store) TrustStatesTx(tx *sql.Tx, chatID int64) ([]TrustState, error) {
	rows, err := tx.Query(`
		SELECT ps.prefer_encrypted
		FROM chats_contacts cc
		LEFT JOIN contacts c ON cc.contact_id = c.id
		LEFT JOIN peerstates ps ON c.addr = ps.addr
		WHERE cc.chat_id = ? AND cc.contact_id > ?`,
		chatID, ContactIDLastSpecial)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var states []TrustState
	for rows.Next() {
		var st sql.NullInt64
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		if st.Valid {
			states = append(states, TrustState(st.Int64))
		} else {
			states = append(states, TrustNoPreference)
		}
	}
	return states, rows.Err()
}

// ExplicitlyLeft reports whether the local user has explicitly left the group
// with the given external id. The fact survives chat deletion.
func (s *Store) ExplicitlyLeft(grpid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var one int
	err := s.db.QueryRow("SELECT 1 FROM leftgrps WHERE grpid = ?", grpid).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetExplicitlyLeftTx durably records that the local user left the group.
func (s *Store) SetExplicitlyLeftTx(tx *sql.Tx, grpid string) error {
	_, err := tx.Exec("INSERT OR IGNORE INTO leftgrps (grpid) VALUES (?)", grpid)
	return err
}
