package render

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/mailchat/mailchat/internal/compose"
	"github.com/mailchat/mailchat/internal/config"
	"github.com/mailchat/mailchat/internal/store"
)

// Encrypter turns a rendered plaintext message into its wire form. ok
// reports whether encryption was actually applied; an Encrypter may decline
// (missing keys) without failing the send.
type Encrypter interface {
	Encrypt(plain []byte, recipients []string) (wire []byte, ok bool, err error)
}

// NopEncrypter passes messages through unchanged. It stands in until a key
// transport is wired up; the delivery pipeline treats "declined" exactly as
// a real encrypter that lacks keys would be treated.
type NopEncrypter struct{}

func (NopEncrypter) Encrypt(plain []byte, _ []string) ([]byte, bool, error) {
	return plain, false, nil
}

// Result is a fully rendered outgoing message plus the envelope data the
// transports need.
type Result struct {
	Msg        *store.Msg
	Chat       *store.Chat
	From       string
	Recipients []string // envelope recipients, self excluded
	Raw        []byte
	Encrypted  bool
	InCreation bool // attachment still being produced, nothing rendered
}

// Factory renders stored messages into RFC 5322 mails.
type Factory struct {
	store *store.Store
	cfg   *config.Config
	enc   Encrypter
	log   *zap.Logger
}

func NewFactory(s *store.Store, cfg *config.Config, enc Encrypter, log *zap.Logger) *Factory {
	return &Factory{store: s, cfg: cfg, enc: enc, log: log.Named("render")}
}

// Build renders the message with the given id. With encryptToSelf the local
// address is added to the encryption recipients so the stored copy stays
// readable on this account.
func (f *Factory) Build(msgID int64, encryptToSelf bool) (*Result, error) {
	msg, err := f.store.MsgByID(msgID)
	if err != nil {
		return nil, err
	}
	if compose.InCreation(msg) {
		return &Result{Msg: msg, InCreation: true}, nil
	}
	chat, err := f.store.GetChat(msg.ChatID)
	if err != nil {
		return nil, err
	}

	recipients, err := f.recipients(chat.ID)
	if err != nil {
		return nil, err
	}

	plain, err := f.renderPlain(msg, chat, recipients)
	if err != nil {
		return nil, err
	}

	encTo := recipients
	if encryptToSelf {
		encTo = append(append([]string{}, recipients...), f.cfg.Addr)
	}
	wire, encrypted, err := f.enc.Encrypt(plain, encTo)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}

	return &Result{
		Msg:        msg,
		Chat:       chat,
		From:       f.cfg.Addr,
		Recipients: recipients,
		Raw:        wire,
		Encrypted:  encrypted,
	}, nil
}

func (f *Factory) recipients(chatID int64) ([]string, error) {
	ids, err := f.store.Members(chatID)
	if err != nil {
		return nil, err
	}
	var addrs []string
	for _, id := range ids {
		if id == store.ContactIDSelf {
			continue
		}
		c, err := f.store.GetContact(id)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, c.Addr)
	}
	return addrs, nil
}

func (f *Factory) renderPlain(msg *store.Msg, chat *store.Chat, recipients []string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Unix(msg.Timestamp, 0))
	h.SetMessageID(msg.MID)
	h.SetAddressList("From", []*mail.Address{{Name: f.cfg.DisplayName, Address: f.cfg.Addr}})

	to := make([]*mail.Address, 0, len(recipients))
	for _, addr := range recipients {
		to = append(to, &mail.Address{Address: addr})
	}
	if len(to) == 0 {
		// Self-chat and empty groups still need a valid envelope.
		to = append(to, &mail.Address{Name: f.cfg.DisplayName, Address: f.cfg.Addr})
	}
	h.SetAddressList("To", to)
	h.SetSubject(subjectFor(msg, chat))

	if chat.Type == store.ChatGroup {
		h.Set("Chat-Group-ID", chat.GroupID)
		h.Set("Chat-Group-Name", chat.Name)
		switch store.SysCmd(msg.Param.GetInt(store.ParamSysCmd, 0)) {
		case store.SysCmdMemberAdded:
			h.Set("Chat-Group-Member-Added", msg.Param.Get(store.ParamSysCmdArg))
		case store.SysCmdMemberRemoved:
			h.Set("Chat-Group-Member-Removed", msg.Param.Get(store.ParamSysCmdArg))
		case store.SysCmdGroupImageChanged:
			h.Set("Chat-Group-Image", filepath.Base(msg.Param.Get(store.ParamSysCmdArg)))
		}
	}

	var buf bytes.Buffer
	if msg.Type.NeedsAttachment() {
		if err := f.writeWithAttachment(&buf, h, msg); err != nil {
			return nil, err
		}
	} else {
		if err := writeText(&buf, h, msg.Text); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writeText(buf *bytes.Buffer, h mail.Header, text string) error {
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	w, err := mail.CreateSingleInlineWriter(buf, h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, text); err != nil {
		return err
	}
	return w.Close()
}

func (f *Factory) writeWithAttachment(buf *bytes.Buffer, h mail.Header, msg *store.Msg) error {
	path := msg.Param.Get(store.ParamFile)
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("attachment: %w", err)
	}
	defer func() { _ = file.Close() }()

	mw, err := mail.CreateWriter(buf, h)
	if err != nil {
		return err
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := mw.CreateInline()
	if err != nil {
		return err
	}
	pw, err := tw.CreatePart(th)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, msg.Text); err != nil {
		return err
	}
	_ = pw.Close()
	if err := tw.Close(); err != nil {
		return err
	}

	var ah mail.AttachmentHeader
	if mt := msg.Param.Get(store.ParamMimeType); mt != "" {
		ah.Set("Content-Type", mt)
	} else {
		ah.Set("Content-Type", "application/octet-stream")
	}
	ah.SetFilename(filepath.Base(path))
	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return err
	}
	if _, err := io.Copy(aw, file); err != nil {
		return err
	}
	if err := aw.Close(); err != nil {
		return err
	}
	return mw.Close()
}

func subjectFor(msg *store.Msg, chat *store.Chat) string {
	if chat.Type == store.ChatGroup {
		return "Chat: " + chat.Name
	}
	// Truncate on rune boundaries so multi-byte text is never cut apart.
	excerpt := msg.Text
	const max = 32
	if r := []rune(excerpt); len(r) > max {
		excerpt = string(r[:max]) + "..."
	}
	return "Chat: " + excerpt
}
