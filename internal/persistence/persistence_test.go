package persistence

import (
	"testing"

	"github.com/sirgrey8209/estelle2-sub003/internal/identity"
	"github.com/sirgrey8209/estelle2-sub003/internal/messages"
)

func TestLoadWorkspaceSnapshotMissingIsNotError(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	data, err := s.LoadWorkspaceSnapshot()
	if err != nil || data != nil {
		t.Fatalf("expected (nil, nil) for missing snapshot, got (%v, %v)", data, err)
	}
}

func TestSaveLoadWorkspaceSnapshotRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	want := []byte(`{"workspaces":[]}`)
	if err := s.SaveWorkspaceSnapshot(want); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadWorkspaceSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestSaveLoadMessageSessionRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cid, err := identity.Encode(1, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	msgs := []messages.Message{
		{ID: "m1", Role: messages.RoleUser, Type: messages.KindText, Timestamp: 1, Payload: "hi"},
	}
	if err := s.SaveMessageSession(cid, msgs); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadMessageSession(cid)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("unexpected round trip result: %+v", got)
	}
}

func TestLoadMessageSessionMissingIsNotError(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cid, err := identity.Encode(1, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadMessageSession(cid)
	if err != nil || got != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", got, err)
	}
}
