// Package identity implements the packed ConversationId scheme shared by
// every component that needs to name a conversation: (pylonId, workspaceId,
// conversationId) bit-packed into a single non-negative integer.
package identity

import "fmt"

const (
	// MaxPylonID is the largest value the relay may assign a Pylon.
	MaxPylonID = 127
	// MaxWorkspaceID is the largest local workspace index on a Pylon.
	MaxWorkspaceID = 127
	// MaxLocalConversationID is the largest local conversation index within a workspace.
	MaxLocalConversationID = 1<<18 - 1

	pylonBits       = 7
	workspaceBits   = 7
	conversationBits = 18

	workspaceShift   = conversationBits
	pylonShift       = conversationBits + workspaceBits
	conversationMask = 1<<conversationBits - 1
	workspaceMask    = 1<<workspaceBits - 1
	pylonMask        = 1<<pylonBits - 1
)

// ConversationID is the packed (pylon, workspace, local conversation) triple.
// It must only be produced by Encode and only be taken apart by Decode — no
// raw arithmetic is permitted anywhere else in this module.
type ConversationID int64

// Encode bit-packs (pylonID, workspaceID, localConversationID) into a single
// non-negative integer. Encoding is round-trip stable: Decode(Encode(p, w,
// c)) == (p, w, c) for all valid inputs.
func Encode(pylonID, workspaceID, localConversationID int) (ConversationID, error) {
	if pylonID < 1 || pylonID > MaxPylonID {
		return 0, fmt.Errorf("identity: pylonID %d out of range [1,%d]", pylonID, MaxPylonID)
	}
	if workspaceID < 1 || workspaceID > MaxWorkspaceID {
		return 0, fmt.Errorf("identity: workspaceID %d out of range [1,%d]", workspaceID, MaxWorkspaceID)
	}
	if localConversationID < 1 || localConversationID > MaxLocalConversationID {
		return 0, fmt.Errorf("identity: localConversationID %d out of range [1,%d]", localConversationID, MaxLocalConversationID)
	}
	packed := int64(pylonID&pylonMask)<<pylonShift |
		int64(workspaceID&workspaceMask)<<workspaceShift |
		int64(localConversationID & conversationMask)
	return ConversationID(packed), nil
}

// Decode unpacks a ConversationID into (pylonID, workspaceID, localConversationID).
func Decode(id ConversationID) (pylonID, workspaceID, localConversationID int) {
	v := int64(id)
	pylonID = int((v >> pylonShift) & pylonMask)
	workspaceID = int((v >> workspaceShift) & workspaceMask)
	localConversationID = int(v & conversationMask)
	return
}

// WorkspaceOf returns just the workspaceID component of id.
func WorkspaceOf(id ConversationID) int {
	_, w, _ := Decode(id)
	return w
}

// PylonOf returns just the pylonID component of id.
func PylonOf(id ConversationID) int {
	p, _, _ := Decode(id)
	return p
}
