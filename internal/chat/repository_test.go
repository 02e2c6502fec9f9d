package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"go-marketchat/internal/db"
)

func newTestRepo(t *testing.T) (*Repository, *db.Database) {
	t.Helper()
	database, err := db.NewDatabase(db.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, name := range []string{"buyer", "seller", "support"} {
		if _, err := database.Conn.Exec(`INSERT INTO users (username, password) VALUES (?, 'x')`, name); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	return NewRepository(database), database
}

func TestCreateConversationFindOrCreate(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	c1, err := repo.CreateConversation(ctx, 2, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c1.ParticipantAID != 1 || c1.ParticipantBID != 2 {
		t.Fatalf("participants not normalised: %+v", c1)
	}

	c2, err := repo.CreateConversation(ctx, 1, 2)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if c2.ID != c1.ID {
		t.Fatalf("expected the same conversation, got %d and %d", c1.ID, c2.ID)
	}

	if _, err := repo.CreateConversation(ctx, 3, 3); !errors.Is(err, ErrSelfConversation) {
		t.Fatalf("self conversation err = %v", err)
	}
	if _, err := repo.Conversation(ctx, 999); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("missing conversation err = %v", err)
	}
}

func TestAppendListLastSeq(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	conv, err := repo.CreateConversation(ctx, 1, 2)
	if err != nil {
		t.Fatal(err)
	}

	seq, err := repo.LastSeq(ctx, conv.ID)
	if err != nil || seq != 0 {
		t.Fatalf("empty LastSeq = %d, %v", seq, err)
	}

	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := int64(1); i <= 5; i++ {
		m := &Message{ConversationID: conv.ID, Seq: i, SenderID: 1 + i%2, Content: "m", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if i == 3 {
			m.ClientNonce = "n-3"
			m.AttachmentRef = "/attachments/a.png"
		}
		if err := repo.Append(ctx, m); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if m.ID == 0 {
			t.Fatal("append should set the id")
		}
	}

	if seq, _ := repo.LastSeq(ctx, conv.ID); seq != 5 {
		t.Fatalf("LastSeq = %d", seq)
	}

	after, err := repo.List(ctx, conv.ID, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !equalSeqs(seqs(after), []int64{3, 4}) {
		t.Fatalf("List(after 2, limit 2) = %v", seqs(after))
	}
	if after[0].ClientNonce != "n-3" || after[0].AttachmentRef != "/attachments/a.png" {
		t.Fatalf("row = %+v", after[0])
	}
	if !after[0].CreatedAt.Equal(base.Add(3 * time.Second)) {
		t.Fatalf("created_at = %v", after[0].CreatedAt)
	}

	latest, err := repo.List(ctx, conv.ID, -1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !equalSeqs(seqs(latest), []int64{4, 5}) {
		t.Fatalf("latest = %v", seqs(latest))
	}
}

func TestAppendRejectsDuplicates(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	conv, _ := repo.CreateConversation(ctx, 1, 2)

	first := &Message{ConversationID: conv.ID, Seq: 1, SenderID: 1, Content: "a", ClientNonce: "n"}
	if err := repo.Append(ctx, first); err != nil {
		t.Fatal(err)
	}
	err := repo.Append(ctx, &Message{ConversationID: conv.ID, Seq: 1, SenderID: 2, Content: "b"})
	if err == nil || errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("duplicate seq: err = %v", err)
	}
	retry := &Message{ConversationID: conv.ID, Seq: 2, SenderID: 1, Content: "c", ClientNonce: "n"}
	if err := repo.Append(ctx, retry); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("duplicate nonce: err = %v", err)
	}
	if retry.ID != first.ID {
		t.Fatalf("duplicate reported id %d, stored row is %d", retry.ID, first.ID)
	}
	if err := repo.Append(ctx, &Message{ConversationID: conv.ID, Seq: 3, SenderID: 1, Content: "no nonce"}); err != nil {
		t.Fatalf("messages without nonce must not collide: %v", err)
	}
	if err := repo.Append(ctx, &Message{ConversationID: conv.ID, Seq: 4, SenderID: 1, Content: "no nonce"}); err != nil {
		t.Fatalf("messages without nonce must not collide: %v", err)
	}
}

func TestConversationsFor(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	c12, _ := repo.CreateConversation(ctx, 1, 2)
	if _, err := repo.CreateConversation(ctx, 1, 3); err != nil {
		t.Fatal(err)
	}
	repo.Append(ctx, &Message{ConversationID: c12.ID, Seq: 1, SenderID: 2, Content: "first"})
	repo.Append(ctx, &Message{ConversationID: c12.ID, Seq: 2, SenderID: 1, Content: "latest"})

	list, err := repo.ConversationsFor(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d conversations", len(list))
	}
	var found bool
	for _, s := range list {
		if s.ID == c12.ID {
			found = true
			if s.PeerID != 2 || s.PeerUsername != "seller" || s.LastSeq != 2 || s.LastMessage != "latest" {
				t.Fatalf("summary = %+v", s)
			}
		}
	}
	if !found {
		t.Fatal("conversation with seller missing")
	}

	list, _ = repo.ConversationsFor(ctx, 2)
	if len(list) != 1 || list[0].PeerUsername != "buyer" {
		t.Fatalf("seller view = %+v", list)
	}
}

func TestReserveSeqRaisesLastSeq(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	conv, _ := repo.CreateConversation(ctx, 1, 2)
	repo.Append(ctx, &Message{ConversationID: conv.ID, Seq: 1, SenderID: 1, Content: "a"})

	if err := repo.ReserveSeq(ctx, conv.ID, 32); err != nil {
		t.Fatal(err)
	}
	if seq, err := repo.LastSeq(ctx, conv.ID); err != nil || seq != 32 {
		t.Fatalf("last seq = %d, %v", seq, err)
	}

	// Released below the stored messages, the stored seq wins.
	if err := repo.ReserveSeq(ctx, conv.ID, 0); err != nil {
		t.Fatal(err)
	}
	if seq, _ := repo.LastSeq(ctx, conv.ID); seq != 1 {
		t.Fatalf("last seq = %d", seq)
	}
}
