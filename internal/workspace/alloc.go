package workspace

// allocateID returns the smallest positive integer not present in used. The
// id space is bounded (≤127 workspaces, local conversation ids up to
// identity.MaxLocalConversationID) so an O(n) scan is the required, testable
// behavior — a monotonic counter would not exhibit the reuse spec.md §8
// tests for. allocateID itself does not enforce either bound.
func allocateID(used map[int]bool) int {
	for i := 1; ; i++ {
		if !used[i] {
			return i
		}
	}
}
