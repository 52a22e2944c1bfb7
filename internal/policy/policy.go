package policy

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/mailchat/mailchat/internal/store"
)

// Policy decides whether end-to-end encryption can be guaranteed for a chat.
// The decision is a pure function of the synced peer trust states: every
// member must have announced mutual encryption preference.
type Policy struct {
	store   *store.Store
	log     *zap.Logger
	enabled bool
}

func New(s *store.Store, enabled bool, log *zap.Logger) *Policy {
	return &Policy{store: s, log: log.Named("policy"), enabled: enabled}
}

// Enabled reports whether end-to-end encryption is switched on at all.
func (p *Policy) Enabled() bool {
	return p.enabled
}

// CanGuaranteeTx reports whether every member of the chat prefers mutual
// encryption. A chat with no real members yields true (nothing to break).
// Members that never announced a preference make the guarantee fail.
func (p *Policy) CanGuaranteeTx(tx *sql.Tx, chatID int64) (bool, error) {
	if !p.enabled {
		return false, nil
	}
	states, err := p.store.TrustStatesTx(tx, chatID)
	if err != nil {
		return false, err
	}
	for _, st := range states {
		if st != store.TrustMutual {
			return false, nil
		}
	}
	return true, nil
}

// Stamp records the guarantee decision on an outgoing message's params. A
// guaranteed message carries the marker the transport workers enforce; a
// non-guaranteed one carries neither the marker nor a stale error flag.
func (p *Policy) Stamp(msg *store.Msg, guaranteed bool) {
	if msg.Param == nil {
		msg.Param = store.NewParams()
	}
	if guaranteed {
		msg.Param.Set(store.ParamGuaranteeE2EE, "1")
	} else {
		msg.Param.Delete(store.ParamGuaranteeE2EE)
	}
	msg.Param.Delete(store.ParamErroneousE2EE)
}

// Guaranteed reports whether the message was stamped with the encryption
// guarantee when it was composed.
func Guaranteed(msg *store.Msg) bool {
	return msg.Param.Get(store.ParamGuaranteeE2EE) == "1"
}
