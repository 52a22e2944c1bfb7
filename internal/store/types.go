package store

// ChatType classifies a chat record.
type ChatType int

const (
	ChatUndefined ChatType = 0
	ChatNormal    ChatType = 100
	ChatGroup     ChatType = 120
)

// Reserved chat ids. All ids up to ChatIDLastSpecial are non-real chats.
const (
	// ChatIDDeaddrop holds messages from senders that are not yet in any
	// real chat.
	ChatIDDeaddrop int64 = 1
	// ChatIDToDeaddrop holds outgoing messages addressed to contacts
	// without a real chat.
	ChatIDToDeaddrop int64 = 3
	// ChatIDMsgsInCreation is the transient chat id used while a message
	// row is being assembled before its real chat id is known.
	ChatIDMsgsInCreation int64 = 4
	ChatIDLastSpecial    int64 = 9
)

// Reserved contact ids.
const (
	ContactIDSelf        int64 = 1
	ContactIDLastSpecial int64 = 9
)

// MsgType is the content kind of a message.
type MsgType int

const (
	MsgUndefined MsgType = 0
	MsgText      MsgType = 10
	MsgImage     MsgType = 20
	MsgGif       MsgType = 21
	MsgAudio     MsgType = 40
	MsgVoice     MsgType = 41
	MsgVideo     MsgType = 50
	MsgFile      MsgType = 60
)

// NeedsAttachment reports whether the type requires a local file.
func (t MsgType) NeedsAttachment() bool {
	switch t {
	case MsgImage, MsgGif, MsgAudio, MsgVoice, MsgVideo, MsgFile:
		return true
	}
	return false
}

// MsgState is the lifecycle state of a message. Outgoing states are
// monotonic: once delivered or failed a message never returns to pending.
type MsgState int

const (
	StateUndefined    MsgState = 0
	StateInFresh      MsgState = 10
	StateInNoticed    MsgState = 13
	StateInSeen       MsgState = 16
	StateOutPending   MsgState = 20
	StateOutError     MsgState = 24
	StateOutDelivered MsgState = 26
)

// SysCmd tags a status message with the group-state change it announces.
type SysCmd int

const (
	SysCmdNone              SysCmd = 0
	SysCmdGroupNameChanged  SysCmd = 2
	SysCmdGroupImageChanged SysCmd = 3
	SysCmdMemberAdded       SysCmd = 4
	SysCmdMemberRemoved     SysCmd = 5
)

// TrustState is the externally maintained per-address encryption preference.
type TrustState int

const (
	TrustNoPreference TrustState = 0
	TrustMutual       TrustState = 1
	TrustReset        TrustState = 20
)

// Chat represents a single chat record.
//
// DraftText and DraftTimestamp are always set or cleared together: a chat
// has a draft iff DraftText is non-empty, in which case DraftTimestamp is
// non-zero.
type Chat struct {
	ID             int64
	Type           ChatType
	Name           string
	DraftTimestamp int64
	DraftText      string
	Blocked        bool
	GroupID        string // stable external identifier, empty for non-groups
	Param          Params
}

// Contact represents an address-book entry.
type Contact struct {
	ID   int64
	Name string
	Addr string
}

// Msg represents a single message.
type Msg struct {
	ID           int64
	MID          string // globally unique transport message-id
	ChatID       int64
	FromID       int64
	ToID         int64 // direct chats only
	Timestamp    int64
	Type         MsgType
	State        MsgState
	Text         string
	Param        Params
	ServerFolder string
	ServerUID    uint32
}

// JobAction is the kind of asynchronous transport action a job requests.
type JobAction int

const (
	// JobSubmitOutbound submits a message to the outbound transport.
	JobSubmitOutbound JobAction = 1
	// JobUploadInbound uploads a sent message to the own inbound mailbox.
	JobUploadInbound JobAction = 2
)

// Job is a durable pending transport action.
type Job struct {
	ID        int64
	Action    JobAction
	ForeignID int64 // target message id
	AddedTS   int64
	DesiredTS int64 // next-eligible unix time
	Tries     int
}
