package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/mailchat/mailchat/internal/bus"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, bus.New())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustContact(t *testing.T, s *Store, name, addr string) int64 {
	t.Helper()
	id, err := s.AddOrLookupContact(name, addr)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func mustInsertMsg(t *testing.T, s *Store, m *Msg) int64 {
	t.Helper()
	var id int64
	err := s.WithTx(func(tx *sql.Tx) error {
		var err error
		id, err = s.InsertMsgTx(tx, m)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestMigrateIdempotent(t *testing.T) {
	s := testStore(t)

	result, err := s.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + fts)", result.Version)
	}
}

func TestGetChatNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetChat(1234)
	if err != ErrNotFound {
		t.Errorf("GetChat(1234) error = %v, want ErrNotFound", err)
	}
}

func TestGetChatDeaddropName(t *testing.T) {
	s := testStore(t)

	c, err := s.GetChat(ChatIDDeaddrop)
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "Contact requests" {
		t.Errorf("deaddrop name = %q, want synthesized name", c.Name)
	}
}

func TestLookupOrCreateDirectChat(t *testing.T) {
	s := testStore(t)
	alice := mustContact(t, s, "Alice", "alice@example.org")

	chatID, err := s.LookupOrCreateDirectChat(alice)
	if err != nil {
		t.Fatal(err)
	}
	if chatID <= ChatIDLastSpecial {
		t.Fatalf("chat id %d within reserved range", chatID)
	}

	// Second call returns the same chat.
	again, err := s.LookupOrCreateDirectChat(alice)
	if err != nil {
		t.Fatal(err)
	}
	if again != chatID {
		t.Errorf("second lookup = %d, want %d", again, chatID)
	}

	c, err := s.GetChat(chatID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Type != ChatNormal || c.Name != "Alice" {
		t.Errorf("chat = %+v, want normal chat named Alice", c)
	}

	n, err := s.MemberCount(chatID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("member count = %d, want 1 (self is never an explicit direct member)", n)
	}
}

func TestLookupOrCreateAdoptsDeaddropMsgs(t *testing.T) {
	s := testStore(t)
	bob := mustContact(t, s, "", "bob@example.org")

	// A message from bob parked in the deaddrop before any chat existed.
	orphan := mustInsertMsg(t, s, &Msg{
		MID: "m1@example.org", ChatID: ChatIDDeaddrop, FromID: bob,
		Timestamp: 1000, Type: MsgText, State: StateInFresh, Text: "hi",
	})

	chatID, err := s.LookupOrCreateDirectChat(bob)
	if err != nil {
		t.Fatal(err)
	}

	m, err := s.MsgByID(orphan)
	if err != nil {
		t.Fatal(err)
	}
	if m.ChatID != chatID {
		t.Errorf("orphan chat id = %d, want %d (adopted)", m.ChatID, chatID)
	}
}

func TestSetDraft(t *testing.T) {
	s := testStore(t)
	alice := mustContact(t, s, "Alice", "alice@example.org")
	chatID, err := s.LookupOrCreateDirectChat(alice)
	if err != nil {
		t.Fatal(err)
	}

	// No draft: both fields empty.
	c, _ := s.GetChat(chatID)
	if c.DraftText != "" || c.DraftTimestamp != 0 {
		t.Fatalf("fresh chat has draft %+v", c)
	}

	if err := s.SetDraft(chatID, "hello"); err != nil {
		t.Fatal(err)
	}
	c, _ = s.GetChat(chatID)
	if c.DraftText != "hello" || c.DraftTimestamp == 0 {
		t.Fatalf("draft fields not set together: %+v", c)
	}
	firstTS := c.DraftTimestamp

	// Same text again: timestamp unchanged.
	if err := s.SetDraft(chatID, "hello"); err != nil {
		t.Fatal(err)
	}
	c, _ = s.GetChat(chatID)
	if c.DraftTimestamp != firstTS {
		t.Error("idempotent SetDraft updated the timestamp")
	}

	// Clearing removes both fields, twice is fine.
	for i := 0; i < 2; i++ {
		if err := s.SetDraft(chatID, ""); err != nil {
			t.Fatal(err)
		}
		c, _ = s.GetChat(chatID)
		if c.DraftText != "" || c.DraftTimestamp != 0 {
			t.Fatalf("draft not cleared (round %d): %+v", i, c)
		}
	}
}

func TestSetDraftEmitsEvent(t *testing.T) {
	s := testStore(t)
	alice := mustContact(t, s, "Alice", "alice@example.org")
	chatID, _ := s.LookupOrCreateDirectChat(alice)

	ch, unsub := s.Bus().Subscribe(bus.MsgsChanged, 4)
	defer unsub()

	if err := s.SetDraft(chatID, "x"); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		if evt.ChatID != chatID {
			t.Errorf("event chat = %d, want %d", evt.ChatID, chatID)
		}
	default:
		t.Fatal("no MsgsChanged event after SetDraft")
	}

	// No event for the idempotent call.
	if err := s.SetDraft(chatID, "x"); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event %v for idempotent SetDraft", evt)
	default:
	}
}

func TestMsgStateMonotonic(t *testing.T) {
	s := testStore(t)
	id := mustInsertMsg(t, s, &Msg{
		MID: "m2@example.org", ChatID: 10, Timestamp: 1, Type: MsgText, State: StateOutPending,
	})

	states := func() MsgState {
		m, err := s.MsgByID(id)
		if err != nil {
			t.Fatal(err)
		}
		return m.State
	}

	if err := s.UpdateMsgState(id, StateOutDelivered); err != nil {
		t.Fatal(err)
	}
	if states() != StateOutDelivered {
		t.Fatalf("state = %v, want delivered", states())
	}

	// Delivered -> Pending must not regress.
	if err := s.UpdateMsgState(id, StateOutPending); err != nil {
		t.Fatal(err)
	}
	if states() != StateOutDelivered {
		t.Error("delivered message regressed to pending")
	}

	// Delivered -> Delivered is an idempotent no-op.
	if err := s.UpdateMsgState(id, StateOutDelivered); err != nil {
		t.Fatal(err)
	}
	if states() != StateOutDelivered {
		t.Error("idempotent delivered update changed state")
	}

	// Error is terminal: no upgrade to delivered.
	errID := mustInsertMsg(t, s, &Msg{
		MID: "m3@example.org", ChatID: 10, Timestamp: 2, Type: MsgText, State: StateOutPending,
	})
	if err := s.UpdateMsgState(errID, StateOutError); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateMsgState(errID, StateOutDelivered); err != nil {
		t.Fatal(err)
	}
	m, _ := s.MsgByID(errID)
	if m.State != StateOutError {
		t.Errorf("error message left terminal state: %v", m.State)
	}
}

func TestNextMedia(t *testing.T) {
	s := testStore(t)

	// Media ids [5, 9, 12] are made deterministic via explicit timestamps.
	ids := make(map[int]int64)
	for i, ts := range []int64{100, 200, 300} {
		ids[i] = mustInsertMsg(t, s, &Msg{
			MID: "media" + string(rune('a'+i)) + "@x", ChatID: 42,
			Timestamp: ts, Type: MsgImage, State: StateInSeen,
		})
	}
	// An unrelated text message must not appear in the media list.
	mustInsertMsg(t, s, &Msg{MID: "t@x", ChatID: 42, Timestamp: 150, Type: MsgText})

	next, err := s.NextMedia(ids[1], +1)
	if err != nil {
		t.Fatal(err)
	}
	if next != ids[2] {
		t.Errorf("next(+1) = %d, want %d", next, ids[2])
	}

	prev, err := s.NextMedia(ids[1], -1)
	if err != nil {
		t.Fatal(err)
	}
	if prev != ids[0] {
		t.Errorf("next(-1) = %d, want %d", prev, ids[0])
	}

	// Ends of the list.
	if n, _ := s.NextMedia(ids[2], +1); n != 0 {
		t.Errorf("next past end = %d, want 0", n)
	}
	if n, _ := s.NextMedia(ids[0], -1); n != 0 {
		t.Errorf("prev before start = %d, want 0", n)
	}

	// Unknown message id.
	if n, _ := s.NextMedia(99999, +1); n != 0 {
		t.Errorf("next(unknown) = %d, want 0", n)
	}
}

func TestSearchOrdering(t *testing.T) {
	s := testStore(t)

	mustInsertMsg(t, s, &Msg{MID: "s1@x", ChatID: 20, Timestamp: 100, Type: MsgText, Text: "needle one"})
	mustInsertMsg(t, s, &Msg{MID: "s2@x", ChatID: 20, Timestamp: 300, Type: MsgText, Text: "needle two"})
	mustInsertMsg(t, s, &Msg{MID: "s3@x", ChatID: 21, Timestamp: 200, Type: MsgText, Text: "needle three"})
	// A deaddrop hit must not show up in the overview.
	mustInsertMsg(t, s, &Msg{MID: "s4@x", ChatID: ChatIDDeaddrop, Timestamp: 400, Type: MsgText, Text: "needle dead"})

	// Chat-scoped: ascending by timestamp.
	got, err := s.SearchMsgs(20, "needle")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("chat search: %d results, want 2", len(got))
	}
	m0, _ := s.MsgByID(got[0])
	m1, _ := s.MsgByID(got[1])
	if m0.Timestamp > m1.Timestamp {
		t.Error("chat-scoped search not ascending by timestamp")
	}

	// Overview: descending, special chats excluded.
	got, err = s.SearchMsgs(0, "needle")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("overview search: %d results, want 3", len(got))
	}
	var last int64 = 1 << 62
	for _, id := range got {
		m, _ := s.MsgByID(id)
		if m.Timestamp > last {
			t.Error("overview search not descending by timestamp")
		}
		last = m.Timestamp
	}

	// Empty query yields empty result.
	if got, _ := s.SearchMsgs(0, "   "); len(got) != 0 {
		t.Errorf("blank query returned %d results", len(got))
	}
}

func TestJobLifecycle(t *testing.T) {
	s := testStore(t)

	err := s.WithTx(func(tx *sql.Tx) error {
		if _, err := s.AddJobTx(tx, JobSubmitOutbound, 7); err != nil {
			return err
		}
		_, err := s.AddJobTx(tx, JobSubmitOutbound, 8)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	// FIFO: first enqueued is returned first.
	j, err := s.NextDueJob(JobSubmitOutbound, 1<<62)
	if err != nil {
		t.Fatal(err)
	}
	if j == nil || j.ForeignID != 7 {
		t.Fatalf("next job = %+v, want foreign id 7", j)
	}

	// Retry pushes the job past the horizon; the other job is still due now.
	j.Tries++
	j.DesiredTS = 1 << 61
	if err := s.UpdateJobRetry(j); err != nil {
		t.Fatal(err)
	}
	j2, err := s.NextDueJob(JobSubmitOutbound, time.Now().Unix())
	if err != nil {
		t.Fatal(err)
	}
	if j2 == nil || j2.ForeignID != 8 {
		t.Fatalf("after retry, next due = %+v, want foreign id 8", j2)
	}

	if err := s.DeleteJob(j2.ID); err != nil {
		t.Fatal(err)
	}
	n, _ := s.JobCount(JobSubmitOutbound)
	if n != 1 {
		t.Errorf("job count = %d, want 1", n)
	}

	// Different action kind sees nothing.
	ju, err := s.NextDueJob(JobUploadInbound, 1<<62)
	if err != nil {
		t.Fatal(err)
	}
	if ju != nil {
		t.Errorf("upload queue unexpectedly has job %+v", ju)
	}
}

func TestTrustStates(t *testing.T) {
	s := testStore(t)
	a := mustContact(t, s, "A", "a@x")
	b := mustContact(t, s, "B", "b@x")

	var chatID int64
	err := s.WithTx(func(tx *sql.Tx) error {
		var err error
		chatID, err = s.InsertChatTx(tx, &Chat{Type: ChatGroup, Name: "g", GroupID: "g1"})
		if err != nil {
			return err
		}
		for _, id := range []int64{ContactIDSelf, a, b} {
			if err := s.AddMemberTx(tx, chatID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SetPeerTrust("a@x", TrustMutual); err != nil {
		t.Fatal(err)
	}
	// b@x has no peerstate row: must come back as no-preference.

	var states []TrustState
	err = s.WithTx(func(tx *sql.Tx) error {
		var err error
		states, err = s.TrustStatesTx(tx, chatID)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 2 {
		t.Fatalf("states = %v, want 2 entries (self excluded)", states)
	}
	mutual, nopref := 0, 0
	for _, st := range states {
		switch st {
		case TrustMutual:
			mutual++
		case TrustNoPreference:
			nopref++
		}
	}
	if mutual != 1 || nopref != 1 {
		t.Errorf("states = %v, want one mutual and one no-preference", states)
	}
}

func TestExplicitlyLeft(t *testing.T) {
	s := testStore(t)

	left, err := s.ExplicitlyLeft("grp-1")
	if err != nil {
		t.Fatal(err)
	}
	if left {
		t.Error("unknown group reported as left")
	}

	err = s.WithTx(func(tx *sql.Tx) error {
		if err := s.SetExplicitlyLeftTx(tx, "grp-1"); err != nil {
			return err
		}
		// Recording twice must not fail.
		return s.SetExplicitlyLeftTx(tx, "grp-1")
	})
	if err != nil {
		t.Fatal(err)
	}

	left, err = s.ExplicitlyLeft("grp-1")
	if err != nil {
		t.Fatal(err)
	}
	if !left {
		t.Error("left fact not durable")
	}
}
