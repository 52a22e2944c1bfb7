package transport

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/mailchat/mailchat/internal/config"
)

// SMTP is a lazily connected submission client. Connections are established
// on demand by the outbound worker and dropped after failures so the next
// attempt starts fresh.
type SMTP struct {
	ep      config.Endpoint
	timeout time.Duration
	log     *zap.Logger

	client *smtp.Client
}

func NewSMTP(ep config.Endpoint, timeout time.Duration, log *zap.Logger) *SMTP {
	return &SMTP{ep: ep, timeout: timeout, log: log.Named("smtp")}
}

// Connected reports whether a session is established.
func (t *SMTP) Connected() bool {
	return t.client != nil
}

// Connect dials the submission server, negotiates TLS (implicit or via
// STARTTLS) and authenticates.
func (t *SMTP) Connect() error {
	if t.client != nil {
		return nil
	}

	conn, err := net.DialTimeout("tcp", t.ep.Addr(), t.timeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.ep.Addr(), err)
	}

	tlsCfg := &tls.Config{ServerName: t.ep.Host}
	var c *smtp.Client
	if t.ep.ImplicitTLS {
		c = smtp.NewClient(tls.Client(conn, tlsCfg))
	} else {
		c, err = smtp.NewClientStartTLS(conn, tlsCfg)
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if err := c.Auth(sasl.NewPlainClient("", t.ep.Username, t.ep.Password)); err != nil {
		_ = c.Close()
		return fmt.Errorf("auth %s: %w", t.ep.Username, err)
	}

	t.client = c
	t.log.Info("connected", zap.String("server", t.ep.Addr()))
	return nil
}

// Send submits a rendered message. The session is left open for the next
// message; on error the caller should Disconnect.
func (t *SMTP) Send(from string, to []string, raw []byte) error {
	if t.client == nil {
		return fmt.Errorf("smtp: not connected")
	}
	if err := t.client.SendMail(from, to, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("send to %v: %w", to, err)
	}
	return nil
}

// Disconnect drops the session. Safe to call when not connected.
func (t *SMTP) Disconnect() {
	if t.client == nil {
		return
	}
	if err := t.client.Quit(); err != nil {
		_ = t.client.Close()
	}
	t.client = nil
	t.log.Debug("disconnected")
}
