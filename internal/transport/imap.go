package transport

import (
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"github.com/mailchat/mailchat/internal/config"
)

// IMAP is a lazily connected mailbox client used to upload sent messages
// and to delete server copies during chat deletion.
type IMAP struct {
	ep  config.Endpoint
	log *zap.Logger

	client *imapclient.Client
}

func NewIMAP(ep config.Endpoint, log *zap.Logger) *IMAP {
	return &IMAP{ep: ep, log: log.Named("imap")}
}

// Connected reports whether a session is established.
func (t *IMAP) Connected() bool {
	return t.client != nil
}

// Connect dials and authenticates. Implicit TLS connects over TLS directly,
// otherwise the connection is upgraded via STARTTLS.
func (t *IMAP) Connect() error {
	if t.client != nil {
		return nil
	}

	var (
		c   *imapclient.Client
		err error
	)
	if t.ep.ImplicitTLS {
		c, err = imapclient.DialTLS(t.ep.Addr(), nil)
	} else {
		c, err = imapclient.DialStartTLS(t.ep.Addr(), nil)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.ep.Addr(), err)
	}

	if err := c.Login(t.ep.Username, t.ep.Password).Wait(); err != nil {
		_ = c.Logout().Wait()
		return fmt.Errorf("login %s: %w", t.ep.Username, err)
	}

	t.client = c
	t.log.Info("connected", zap.String("server", t.ep.Addr()))
	return nil
}

// Append stores a raw message in the given folder and returns the uid the
// server assigned (0 when the server does not report one). A missing folder
// is created once and the append retried.
func (t *IMAP) Append(folder string, raw []byte, when time.Time) (uint32, error) {
	if t.client == nil {
		return 0, fmt.Errorf("imap: not connected")
	}

	uid, err := t.append(folder, raw, when)
	if err == nil {
		return uid, nil
	}

	// The folder may simply not exist yet.
	if cerr := t.client.Create(folder, nil).Wait(); cerr != nil {
		return 0, err
	}
	t.log.Info("folder created", zap.String("folder", folder))
	return t.append(folder, raw, when)
}

func (t *IMAP) append(folder string, raw []byte, when time.Time) (uint32, error) {
	cmd := t.client.Append(folder, int64(len(raw)), &imap.AppendOptions{Time: when})
	if _, err := cmd.Write(raw); err != nil {
		_ = cmd.Close()
		return 0, fmt.Errorf("append write: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return 0, fmt.Errorf("append close: %w", err)
	}
	data, err := cmd.Wait()
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", folder, err)
	}
	return uint32(data.UID), nil
}

// DeleteMsg flags the message with the given uid in the folder as deleted
// and expunges it.
func (t *IMAP) DeleteMsg(folder string, uid uint32) error {
	if t.client == nil {
		return fmt.Errorf("imap: not connected")
	}
	if _, err := t.client.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("select %s: %w", folder, err)
	}

	uids := imap.UIDSetNum(imap.UID(uid))
	storeFlags := &imap.StoreFlags{
		Op:    imap.StoreFlagsAdd,
		Flags: []imap.Flag{imap.FlagDeleted},
	}
	if err := t.client.Store(uids, storeFlags, nil).Close(); err != nil {
		return fmt.Errorf("flag deleted: %w", err)
	}
	if err := t.client.Expunge().Close(); err != nil {
		return fmt.Errorf("expunge: %w", err)
	}
	return nil
}

// Disconnect logs out and drops the session. Safe to call when not
// connected.
func (t *IMAP) Disconnect() {
	if t.client == nil {
		return
	}
	if err := t.client.Logout().Wait(); err != nil {
		_ = t.client.Close()
	}
	t.client = nil
	t.log.Debug("disconnected")
}
