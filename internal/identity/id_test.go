package identity

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct{ p, w, c int }{
		{1, 1, 1},
		{127, 127, 1},
		{1, 1, MaxLocalConversationID},
		{64, 32, 1000},
	}
	for _, tc := range cases {
		id, err := Encode(tc.p, tc.w, tc.c)
		if err != nil {
			t.Fatalf("Encode(%d,%d,%d): %v", tc.p, tc.w, tc.c, err)
		}
		p, w, c := Decode(id)
		if p != tc.p || w != tc.w || c != tc.c {
			t.Errorf("Decode(Encode(%d,%d,%d)) = (%d,%d,%d)", tc.p, tc.w, tc.c, p, w, c)
		}
	}
}

func TestEncodeRejectsOutOfRange(t *testing.T) {
	if _, err := Encode(0, 1, 1); err == nil {
		t.Error("expected error for pylonID 0")
	}
	if _, err := Encode(128, 1, 1); err == nil {
		t.Error("expected error for pylonID 128")
	}
	if _, err := Encode(1, 128, 1); err == nil {
		t.Error("expected error for workspaceID 128")
	}
	if _, err := Encode(1, 1, 0); err == nil {
		t.Error("expected error for conversationID 0")
	}
}

func TestDistinctWorkspacesCanShareLocalIndex(t *testing.T) {
	a, err := Encode(1, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encode(1, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("conversations in different workspaces with the same local index must not collide")
	}
}
