package compose

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/mailchat/mailchat/internal/store"
)

var (
	// ErrMissingAttachment is returned when a media message carries no file.
	ErrMissingAttachment = errors.New("compose: media message without attachment")
	// ErrUnsendableType is returned for message types that cannot be sent.
	ErrUnsendableType = errors.New("compose: message type cannot be sent")
)

// Composer normalizes an outgoing message before it is inserted into the
// store: it refines generic media types from file sniffing, fills in image
// dimensions, and derives the searchable text for non-text messages.
type Composer struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Composer {
	return &Composer{log: log.Named("compose")}
}

// Prepare validates and enriches msg in place. Msg.Type and Msg.Param are
// read and may be rewritten; Msg.Text is replaced for media messages.
func (c *Composer) Prepare(msg *store.Msg) error {
	if msg.Param == nil {
		msg.Param = store.NewParams()
	}

	switch msg.Type {
	case store.MsgText:
		msg.Text = strings.TrimSpace(msg.Text)
		return nil
	case store.MsgImage, store.MsgGif, store.MsgAudio, store.MsgVoice,
		store.MsgVideo, store.MsgFile:
		// media, handled below
	default:
		return fmt.Errorf("%w: %d", ErrUnsendableType, msg.Type)
	}

	path := msg.Param.Get(store.ParamFile)
	if path == "" {
		return ErrMissingAttachment
	}

	c.refineType(msg, path)
	if msg.Type == store.MsgImage || msg.Type == store.MsgGif {
		c.fillDimensions(msg, path)
	}
	msg.Text = searchableText(msg, path)
	return nil
}

// refineType sniffs the attachment and upgrades generic types to more
// specific ones. Voice stays voice, the recorder already knows better.
func (c *Composer) refineType(msg *store.Msg, path string) {
	if msg.Type == store.MsgVoice {
		return
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		// The file may still be being written (see InCreation); keep the
		// caller's type and sniff again at render time.
		c.log.Debug("attachment sniff failed", zap.String("file", path), zap.Error(err))
		return
	}
	msg.Param.Set(store.ParamMimeType, mt.String())

	if msg.Type != store.MsgFile {
		return
	}
	switch {
	case mt.Is("image/gif"):
		msg.Type = store.MsgGif
	case strings.HasPrefix(mt.String(), "image/"):
		msg.Type = store.MsgImage
	case strings.HasPrefix(mt.String(), "audio/"):
		msg.Type = store.MsgAudio
	case strings.HasPrefix(mt.String(), "video/"):
		msg.Type = store.MsgVideo
	}
}

// fillDimensions decodes the image header for width/height. Failure is
// tolerated, the message is still sendable without dimensions.
func (c *Composer) fillDimensions(msg *store.Msg, path string) {
	if msg.Param.GetInt(store.ParamWidth, 0) > 0 && msg.Param.GetInt(store.ParamHeight, 0) > 0 {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		c.log.Debug("image header not decodable", zap.String("file", path), zap.Error(err))
		return
	}
	msg.Param.SetInt(store.ParamWidth, cfg.Width)
	msg.Param.SetInt(store.ParamHeight, cfg.Height)
}

// searchableText builds the text stored alongside a media message so that
// full-text search can find it.
func searchableText(msg *store.Msg, path string) string {
	base := filepath.Base(path)
	switch msg.Type {
	case store.MsgAudio:
		author := msg.Param.Get(store.ParamAuthorName)
		track := msg.Param.Get(store.ParamTrackName)
		return strings.TrimSpace(strings.Join([]string{base, author, track}, " "))
	case store.MsgImage, store.MsgGif:
		// Images are usually auto-named; only the suffix carries signal.
		ext := strings.TrimPrefix(filepath.Ext(base), ".")
		return strings.ToLower(ext)
	default:
		return base
	}
}

// InCreation reports whether the attachment of a message is still being
// produced. Producers signal this by keeping a "<file>.increation" marker
// next to the file until it is complete.
func InCreation(msg *store.Msg) bool {
	path := msg.Param.Get(store.ParamFile)
	if path == "" {
		return false
	}
	_, err := os.Stat(path + ".increation")
	return err == nil
}
