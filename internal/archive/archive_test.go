package archive

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/foundxnet/chatkit/internal/bus"
	"github.com/foundxnet/chatkit/internal/msgstore"
	"github.com/foundxnet/chatkit/internal/presence"
	"github.com/foundxnet/chatkit/internal/roster"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
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

func TestMessageUpsertIsIdempotentOnSeq(t *testing.T) {
	db := testDB(t)

	m := &Message{ConversationID: "u2", Seq: 1, SenderID: "u2", Body: "hello", Timestamp: 1000}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("u2", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d rows, want 1 after duplicate upsert", len(msgs))
	}
}

func TestListMessagesAscendingBySeq(t *testing.T) {
	db := testDB(t)

	for _, seq := range []int64{3, 1, 2} {
		if err := db.UpsertMessage(&Message{ConversationID: "u2", Seq: seq, SenderID: "u2", Body: "m", Timestamp: seq}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListMessages("u2", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Errorf("position %d has seq %d, want %d", i, m.Seq, i+1)
		}
	}

	newer, err := db.ListMessages("u2", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(newer) != 1 || newer[0].Seq != 3 {
		t.Errorf("afterSeq=2 gave %+v, want only seq 3", newer)
	}
}

func TestConversationUpsertPreservesName(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{ID: "u2", DisplayName: "John Doe", LastMessageAt: 1000}); err != nil {
		t.Fatal(err)
	}
	// A later metadata-free upsert (from a confirmed message) must not wipe
	// the name or move last_message_at backwards.
	if err := db.UpsertConversation(&Conversation{ID: "u2", LastMessageAt: 500}); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("u2")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.DisplayName != "John Doe" || c.LastMessageAt != 1000 {
		t.Errorf("conversation = %+v", c)
	}
}

func TestSetFavoriteSurvivesListOrder(t *testing.T) {
	db := testDB(t)

	_ = db.UpsertConversation(&Conversation{ID: "u2", LastMessageAt: 1000})
	_ = db.UpsertConversation(&Conversation{ID: "u3", LastMessageAt: 2000})
	if err := db.SetFavorite("u2", true); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 || convs[0].ID != "u2" || !convs[0].Favorite {
		t.Errorf("ListConversations() = %+v, want favorite u2 first", convs)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	_ = db.UpsertMessage(&Message{ConversationID: "u2", Seq: 1, SenderID: "u2", Body: "the quarterly report is ready", Timestamp: 1000})
	_ = db.UpsertMessage(&Message{ConversationID: "u3", Seq: 1, SenderID: "u3", Body: "lunch tomorrow?", Timestamp: 2000})

	results, err := db.SearchMessages("quarterly", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.ConversationID != "u2" {
		t.Fatalf("results = %+v, want one hit in u2", results)
	}
	if results[0].Snippet == "" {
		t.Error("snippet is empty")
	}

	scoped, err := db.SearchMessages("quarterly", "u3", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 0 {
		t.Errorf("conversation-scoped search returned %d results, want 0", len(scoped))
	}
}

func TestArchiverPersistsConfirmedMessages(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	a := NewArchiver(db, b, zap.NewNop())
	a.Start()
	defer a.Close()

	store := msgstore.New(b)
	store.Confirm("u2", msgstore.Message{SenderID: "u2", Text: "hello", Seq: 1, Timestamp: 1000})

	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs, err := db.ListMessages("u2", 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) == 1 {
			if msgs[0].Body != "hello" || msgs[0].Seq != 1 {
				t.Errorf("archived = %+v", msgs[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for archiver to persist message")
		}
		time.Sleep(10 * time.Millisecond)
	}

	c, err := db.GetConversation("u2")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.LastMessageAt != 1000 {
		t.Errorf("conversation row = %+v", c)
	}
}

func TestArchiverPersistsFavorites(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	a := NewArchiver(db, b, zap.NewNop())
	a.Start()
	defer a.Close()

	store := msgstore.New(b)
	tracker := presence.New(time.Minute, b)
	index := roster.New(store, tracker, b)
	index.ToggleFavorite("u2")

	deadline := time.Now().Add(2 * time.Second)
	for {
		c, err := db.GetConversation("u2")
		if err != nil {
			t.Fatal(err)
		}
		if c != nil && c.Favorite {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for archiver to persist favorite")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHydrateReplaysHistory(t *testing.T) {
	db := testDB(t)

	_ = db.UpsertConversation(&Conversation{ID: "u2", DisplayName: "John Doe", LastMessageAt: 2000})
	_ = db.SetFavorite("u2", true)
	_ = db.UpsertMessage(&Message{ConversationID: "u2", Seq: 1, SenderID: "u2", Body: "first", Timestamp: 1000})
	_ = db.UpsertMessage(&Message{ConversationID: "u2", Seq: 2, SenderID: "u1", Body: "second", Timestamp: 2000})

	store := msgstore.New(nil)
	tracker := presence.New(time.Minute, nil)
	index := roster.New(store, tracker, nil)

	a := NewArchiver(db, nil, zap.NewNop())
	if err := a.Hydrate(store, index); err != nil {
		t.Fatal(err)
	}

	msgs := store.Messages("u2")
	if len(msgs) != 2 || msgs[0].Text != "first" || msgs[1].Text != "second" {
		t.Fatalf("hydrated messages = %+v", msgs)
	}
	if msgs[0].State != msgstore.StateSent {
		t.Errorf("hydrated state = %s, want sent", msgs[0].State)
	}

	rows := index.List("")
	if len(rows) != 1 || rows[0].DisplayName != "John Doe" || !rows[0].Favorite {
		t.Errorf("hydrated roster = %+v", rows)
	}
	if rows[0].LastMessage != "second" {
		t.Errorf("last message = %q, want second", rows[0].LastMessage)
	}
}
