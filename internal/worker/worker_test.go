package worker

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mailchat/mailchat/internal/bus"
	"github.com/mailchat/mailchat/internal/config"
	"github.com/mailchat/mailchat/internal/jobs"
	"github.com/mailchat/mailchat/internal/render"
	"github.com/mailchat/mailchat/internal/store"
)

type fakeSMTP struct {
	connectErr  error
	sendErr     error
	sent        [][]string
	disconnects int
	connected   bool
}

func (f *fakeSMTP) Connected() bool { return f.connected }
func (f *fakeSMTP) Connect() error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}
func (f *fakeSMTP) Send(_ string, to []string, _ []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, to)
	return nil
}
func (f *fakeSMTP) Disconnect() {
	f.disconnects++
	f.connected = false
}

type fakeIMAP struct {
	connectErr error
	appendErr  error
	uid        uint32
	appended   []string
	removed    []uint32
	connected  bool
}

func (f *fakeIMAP) Connected() bool { return f.connected }
func (f *fakeIMAP) Connect() error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}
func (f *fakeIMAP) Append(folder string, _ []byte, _ time.Time) (uint32, error) {
	if f.appendErr != nil {
		return 0, f.appendErr
	}
	f.appended = append(f.appended, folder)
	return f.uid, nil
}
func (f *fakeIMAP) DeleteMsg(_ string, uid uint32) error {
	f.removed = append(f.removed, uid)
	return nil
}
func (f *fakeIMAP) Disconnect() { f.connected = false }

type fakeDeleter struct{ deleted []int64 }

func (f *fakeDeleter) DeleteChatPhysically(chatID int64) error {
	f.deleted = append(f.deleted, chatID)
	return nil
}

// fakeEnc pretends encryption succeeded for every recipient.
type fakeEnc struct{}

func (fakeEnc) Encrypt(plain []byte, _ []string) ([]byte, bool, error) { return plain, true, nil }

type env struct {
	store   *store.Store
	sched   *jobs.Scheduler
	factory *render.Factory
	cfg     *config.Config
}

func testEnv(t *testing.T, enc render.Encrypter) *env {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), bus.New())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := config.Default()
	cfg.Addr = "me@example.org"
	cfg.DisplayName = "Me"
	return &env{
		store:   s,
		sched:   jobs.New(s, zap.NewNop()),
		factory: render.NewFactory(s, cfg, enc, zap.NewNop()),
		cfg:     cfg,
	}
}

func (e *env) pendingMsg(t *testing.T, param store.Params) (*store.Job, int64) {
	t.Helper()
	peer, err := e.store.AddOrLookupContact("Alice", "alice@example.org")
	if err != nil {
		t.Fatal(err)
	}
	chatID, err := e.store.LookupOrCreateDirectChat(peer)
	if err != nil {
		t.Fatal(err)
	}
	var msgID int64
	err = e.store.WithTx(func(tx *sql.Tx) error {
		var err error
		msgID, err = e.store.InsertMsgTx(tx, &store.Msg{
			MID: "w1@example.org", ChatID: chatID, FromID: store.ContactIDSelf,
			Timestamp: time.Now().Unix(), Type: store.MsgText,
			State: store.StateOutPending, Text: "payload", Param: param,
		})
		if err != nil {
			return err
		}
		return e.sched.Enqueue(tx, store.JobSubmitOutbound, msgID)
	})
	if err != nil {
		t.Fatal(err)
	}
	j, err := e.sched.NextDue(store.JobSubmitOutbound)
	if err != nil || j == nil {
		t.Fatalf("no due job: %v", err)
	}
	return j, msgID
}

func TestSubmitSuccess(t *testing.T) {
	e := testEnv(t, render.NopEncrypter{})
	smtp := &fakeSMTP{}
	proc := &submitProc{store: e.store, sched: e.sched, factory: e.factory,
		smtp: smtp, cfg: e.cfg, log: zap.NewNop()}
	j, msgID := e.pendingMsg(t, nil)

	if got := proc.process(j); got != outcomeDone {
		t.Fatalf("outcome = %d, want done", got)
	}
	if len(smtp.sent) != 1 || smtp.sent[0][0] != "alice@example.org" {
		t.Errorf("sent = %v", smtp.sent)
	}

	m, _ := e.store.MsgByID(msgID)
	if m.State != store.StateOutDelivered {
		t.Errorf("state = %v, want delivered", m.State)
	}

	// A copy goes to the own mailbox.
	up, err := e.sched.NextDue(store.JobUploadInbound)
	if err != nil || up == nil || up.ForeignID != msgID {
		t.Errorf("upload job = %+v, %v", up, err)
	}
}

func TestSubmitSkipUpload(t *testing.T) {
	e := testEnv(t, render.NopEncrypter{})
	e.cfg.SkipUpload = true
	proc := &submitProc{store: e.store, sched: e.sched, factory: e.factory,
		smtp: &fakeSMTP{}, cfg: e.cfg, log: zap.NewNop()}
	j, _ := e.pendingMsg(t, nil)

	if got := proc.process(j); got != outcomeDone {
		t.Fatalf("outcome = %d, want done", got)
	}
	if up, _ := e.sched.NextDue(store.JobUploadInbound); up != nil {
		t.Errorf("upload enqueued despite skip_imap_upload: %+v", up)
	}
}

func TestSubmitConnectFailure(t *testing.T) {
	e := testEnv(t, render.NopEncrypter{})
	proc := &submitProc{store: e.store, sched: e.sched, factory: e.factory,
		smtp: &fakeSMTP{connectErr: errors.New("refused")}, cfg: e.cfg, log: zap.NewNop()}
	j, msgID := e.pendingMsg(t, nil)

	if got := proc.process(j); got != outcomeRetryStandard {
		t.Fatalf("outcome = %d, want standard retry", got)
	}
	m, _ := e.store.MsgByID(msgID)
	if m.State != store.StateOutPending {
		t.Errorf("state = %v, want still pending", m.State)
	}
}

func TestSubmitSendFailureDisconnects(t *testing.T) {
	e := testEnv(t, render.NopEncrypter{})
	smtp := &fakeSMTP{sendErr: errors.New("550")}
	proc := &submitProc{store: e.store, sched: e.sched, factory: e.factory,
		smtp: smtp, cfg: e.cfg, log: zap.NewNop()}
	j, _ := e.pendingMsg(t, nil)

	if got := proc.process(j); got != outcomeRetryImmediate {
		t.Fatalf("outcome = %d, want immediate retry", got)
	}
	if smtp.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", smtp.disconnects)
	}
}

func TestSubmitMessageGone(t *testing.T) {
	e := testEnv(t, render.NopEncrypter{})
	proc := &submitProc{store: e.store, sched: e.sched, factory: e.factory,
		smtp: &fakeSMTP{}, cfg: e.cfg, log: zap.NewNop()}

	j := &store.Job{ID: 1, Action: store.JobSubmitOutbound, ForeignID: 99999}
	if got := proc.process(j); got != outcomeDrop {
		t.Errorf("outcome = %d, want drop", got)
	}
}

func TestSubmitGuaranteeViolation(t *testing.T) {
	e := testEnv(t, render.NopEncrypter{}) // encrypter always declines
	smtp := &fakeSMTP{}
	proc := &submitProc{store: e.store, sched: e.sched, factory: e.factory,
		smtp: smtp, cfg: e.cfg, log: zap.NewNop()}

	p := store.NewParams()
	p.Set(store.ParamGuaranteeE2EE, "1")
	j, msgID := e.pendingMsg(t, p)

	if got := proc.process(j); got != outcomeDrop {
		t.Fatalf("outcome = %d, want drop", got)
	}
	if len(smtp.sent) != 0 {
		t.Error("cleartext left despite encryption guarantee")
	}
	m, _ := e.store.MsgByID(msgID)
	if m.State != store.StateOutError {
		t.Errorf("state = %v, want error", m.State)
	}
	if m.Param.Get(store.ParamErroneousE2EE) != "1" {
		t.Error("error flag not recorded")
	}
}

func TestSubmitOpportunisticEncryption(t *testing.T) {
	e := testEnv(t, fakeEnc{})
	proc := &submitProc{store: e.store, sched: e.sched, factory: e.factory,
		smtp: &fakeSMTP{}, cfg: e.cfg, log: zap.NewNop()}
	j, msgID := e.pendingMsg(t, nil)

	if got := proc.process(j); got != outcomeDone {
		t.Fatalf("outcome = %d, want done", got)
	}
	m, _ := e.store.MsgByID(msgID)
	if m.Param.Get(store.ParamGuaranteeE2EE) != "1" {
		t.Error("opportunistic encryption not recorded on the message")
	}
}

func TestUploadSuccess(t *testing.T) {
	e := testEnv(t, render.NopEncrypter{})
	imap := &fakeIMAP{uid: 4242}
	proc := &uploadProc{store: e.store, factory: e.factory, imap: imap,
		deleter: &fakeDeleter{}, cfg: e.cfg, log: zap.NewNop()}
	j, msgID := e.pendingMsg(t, nil)

	if got := proc.process(j); got != outcomeDone {
		t.Fatalf("outcome = %d, want done", got)
	}
	if len(imap.appended) != 1 || imap.appended[0] != e.cfg.SentFolder {
		t.Errorf("appended to %v, want %q", imap.appended, e.cfg.SentFolder)
	}
	m, _ := e.store.MsgByID(msgID)
	if m.ServerFolder != e.cfg.SentFolder || m.ServerUID != 4242 {
		t.Errorf("server location = %q/%d", m.ServerFolder, m.ServerUID)
	}
}

func TestUploadUnreachable(t *testing.T) {
	e := testEnv(t, render.NopEncrypter{})
	proc := &uploadProc{store: e.store, factory: e.factory,
		imap: &fakeIMAP{connectErr: errors.New("refused")},
		deleter: &fakeDeleter{}, cfg: e.cfg, log: zap.NewNop()}
	j, _ := e.pendingMsg(t, nil)

	if got := proc.process(j); got != outcomeRetryStandard {
		t.Errorf("outcome = %d, want standard retry", got)
	}
}

func TestUploadFinishesDeletion(t *testing.T) {
	e := testEnv(t, render.NopEncrypter{})
	deleter := &fakeDeleter{}
	imap := &fakeIMAP{uid: 77}
	proc := &uploadProc{store: e.store, factory: e.factory, imap: imap,
		deleter: deleter, cfg: e.cfg, log: zap.NewNop()}

	p := store.NewParams()
	p.Set(store.ParamDelAfterSend, "tok-1")
	j, msgID := e.pendingMsg(t, p)
	m, _ := e.store.MsgByID(msgID)

	// Chat waits for this exact marker.
	err := e.store.WithTx(func(tx *sql.Tx) error {
		chat, err := e.store.GetChatTx(tx, m.ChatID)
		if err != nil {
			return err
		}
		chat.Param.Set(store.ParamDelAfterSend, "tok-1")
		return e.store.UpdateChatParamTx(tx, chat.ID, chat.Param)
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := proc.process(j); got != outcomeDone {
		t.Fatalf("outcome = %d, want done", got)
	}
	if len(deleter.deleted) != 1 || deleter.deleted[0] != m.ChatID {
		t.Errorf("deleted = %v, want [%d]", deleter.deleted, m.ChatID)
	}
	// The copy just uploaded is purged from the server before the chat goes.
	if len(imap.removed) != 1 || imap.removed[0] != 77 {
		t.Errorf("server copies removed = %v, want [77]", imap.removed)
	}
}

func TestUploadIgnoresStaleToken(t *testing.T) {
	e := testEnv(t, render.NopEncrypter{})
	deleter := &fakeDeleter{}
	imap := &fakeIMAP{uid: 77}
	proc := &uploadProc{store: e.store, factory: e.factory, imap: imap,
		deleter: deleter, cfg: e.cfg, log: zap.NewNop()}

	// Message carries a token but the chat expects a different one.
	p := store.NewParams()
	p.Set(store.ParamDelAfterSend, "tok-old")
	j, msgID := e.pendingMsg(t, p)
	m, _ := e.store.MsgByID(msgID)
	err := e.store.WithTx(func(tx *sql.Tx) error {
		chat, err := e.store.GetChatTx(tx, m.ChatID)
		if err != nil {
			return err
		}
		chat.Param.Set(store.ParamDelAfterSend, "tok-new")
		return e.store.UpdateChatParamTx(tx, chat.ID, chat.Param)
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := proc.process(j); got != outcomeDone {
		t.Fatalf("outcome = %d, want done", got)
	}
	if len(deleter.deleted) != 0 {
		t.Errorf("stale token triggered deletion of %v", deleter.deleted)
	}
	if len(imap.removed) != 0 {
		t.Errorf("stale token purged server copies %v", imap.removed)
	}
}

// stubProc records processed jobs for the loop test.
type stubProc struct {
	processed chan int64
}

func (s *stubProc) process(j *store.Job) outcome {
	s.processed <- j.ForeignID
	return outcomeDone
}
func (s *stubProc) shutdown() {}

func TestWorkerLoop(t *testing.T) {
	e := testEnv(t, render.NopEncrypter{})
	proc := &stubProc{processed: make(chan int64, 4)}
	w := newWorker("test", store.JobSubmitOutbound, e.sched, proc, zap.NewNop())
	w.Start()
	defer w.Stop()

	err := e.store.WithTx(func(tx *sql.Tx) error {
		return e.sched.Enqueue(tx, store.JobSubmitOutbound, 77)
	})
	if err != nil {
		t.Fatal(err)
	}
	w.Kick()

	select {
	case id := <-proc.processed:
		if id != 77 {
			t.Errorf("processed %d, want 77", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker never picked up the job")
	}

	// The completed job is gone.
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := e.store.JobCount(store.JobSubmitOutbound)
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job not completed, %d left", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
