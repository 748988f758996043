package share

import (
	"regexp"
	"testing"

	"github.com/sirgrey8209/estelle2-sub003/internal/identity"
)

var shareIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{12}$`)

func testCID(t *testing.T) identity.ConversationID {
	t.Helper()
	id, err := identity.Encode(1, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestCreateReplacesExistingShare(t *testing.T) {
	s := New()
	cid := testCID(t)

	first, err := s.Create(cid)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Create(cid)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Validate(first.ShareID); ok {
		t.Fatal("old share should have been invalidated by recreation")
	}
	if _, ok := s.Validate(second.ShareID); !ok {
		t.Fatal("new share should be live")
	}
}

func TestHistoryIncrementsAccessCount(t *testing.T) {
	s := New()
	cid := testCID(t)
	info, err := s.Create(cid)
	if err != nil {
		t.Fatal(err)
	}

	s.History(info.ShareID)
	got, ok := s.History(info.ShareID)
	if !ok {
		t.Fatal("expected share to be found")
	}
	if got.AccessCount != 2 {
		t.Fatalf("expected access count 2, got %d", got.AccessCount)
	}

	if validated, _ := s.Validate(info.ShareID); validated.AccessCount != 2 {
		t.Fatalf("validate should see the updated access count, got %d", validated.AccessCount)
	}
}

func TestShareIDSpaceIsDistinct(t *testing.T) {
	s := New()
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		cid, err := identity.Encode(1, 1, (i%127)+1)
		if err != nil {
			t.Fatal(err)
		}
		info, err := s.Create(cid)
		if err != nil {
			t.Fatal(err)
		}
		if !shareIDPattern.MatchString(info.ShareID) {
			t.Fatalf("share id %q does not match expected format", info.ShareID)
		}
		if seen[info.ShareID] {
			t.Fatalf("duplicate share id generated: %s", info.ShareID)
		}
		seen[info.ShareID] = true
	}
}

func TestDeleteRemovesShare(t *testing.T) {
	s := New()
	cid := testCID(t)
	info, err := s.Create(cid)
	if err != nil {
		t.Fatal(err)
	}

	if !s.Delete(cid) {
		t.Fatal("expected delete to report success")
	}
	if _, ok := s.Validate(info.ShareID); ok {
		t.Fatal("share should no longer validate after delete")
	}
	if s.Delete(cid) {
		t.Fatal("second delete should report no share existed")
	}
}
