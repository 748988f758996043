package messages

import (
	"sync"
	"testing"

	"github.com/sirgrey8209/estelle2-sub003/internal/identity"
)

func testCID(t *testing.T) identity.ConversationID {
	t.Helper()
	id, err := identity.Encode(1, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestAppendOnlyLogOrderingUnderConcurrency(t *testing.T) {
	s := New(nil)
	cid := testCID(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.AddUserMessage(cid, "msg")
		}(i)
	}
	wg.Wait()

	msgs := s.GetMessages(cid)
	if len(msgs) != 50 {
		t.Fatalf("expected 50 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp < msgs[i-1].Timestamp {
			t.Fatalf("messages out of non-decreasing timestamp order at index %d", i)
		}
	}
}

func TestMergeHistoryPreservesNewerLocalMessages(t *testing.T) {
	s := New(nil)
	cid := testCID(t)

	external := []Message{
		{ID: "e1", Role: RoleUser, Type: KindText, Timestamp: 100, Payload: "hello"},
		{ID: "e2", Role: RoleAssistant, Type: KindText, Timestamp: 200, Payload: "hi"},
	}
	s.LoadMessages(cid, []Message{
		{ID: "local-old", Role: RoleUser, Type: KindText, Timestamp: 50, Payload: "stale"},
		{ID: "local-new", Role: RoleUser, Type: KindText, Timestamp: 300, Payload: "fresh"},
	})

	s.MergeHistory(cid, external)

	got := s.GetMessages(cid)
	if len(got) != 3 {
		t.Fatalf("expected 3 messages after merge, got %d: %+v", len(got), got)
	}
	if got[0].ID != "e1" || got[1].ID != "e2" || got[2].ID != "local-new" {
		t.Fatalf("unexpected merge result: %+v", got)
	}
}

func TestMergeHistoryDropsDuplicateIDsEvenIfNewer(t *testing.T) {
	s := New(nil)
	cid := testCID(t)

	external := []Message{
		{ID: "e1", Role: RoleUser, Type: KindText, Timestamp: 100, Payload: "hello"},
	}
	s.LoadMessages(cid, []Message{
		{ID: "e1", Role: RoleUser, Type: KindText, Timestamp: 500, Payload: "stale local copy"},
	})

	s.MergeHistory(cid, external)

	got := s.GetMessages(cid)
	if len(got) != 1 || got[0].Payload != "hello" {
		t.Fatalf("expected external copy of e1 to win, got %+v", got)
	}
}

func TestFlushAllPersistsPendingConversations(t *testing.T) {
	var mu sync.Mutex
	persisted := map[identity.ConversationID][]Message{}

	s := New(func(id identity.ConversationID, msgs []Message) error {
		mu.Lock()
		defer mu.Unlock()
		persisted[id] = msgs
		return nil
	})
	cid := testCID(t)

	s.AddUserMessage(cid, "a")
	s.AddAssistantText(cid, "b")

	s.FlushAll()

	mu.Lock()
	defer mu.Unlock()
	if len(persisted[cid]) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(persisted[cid]))
	}
}
