package collab

import "encoding/json"

// Resolve fixes an application order for two operations. Operations on different
// blocks are independent and come back unchanged. Operations on the same block are
// ordered by ascending server timestamp; equal timestamps fall back to ascending
// user id, then to argument order. Content is never merged.
func Resolve(a, b BlockOperation) (BlockOperation, BlockOperation) {
	if a.TargetBlock() != b.TargetBlock() {
		return a, b
	}
	switch {
	case a.Timestamp < b.Timestamp:
		return a, b
	case a.Timestamp > b.Timestamp:
		return b, a
	case b.UserID < a.UserID:
		return b, a
	default:
		return a, b
	}
}

// ApplyBlockOperation returns the content carried by a block-update operation.
// Other operation types carry nothing to apply.
func ApplyBlockOperation(operation BlockOperation) (json.RawMessage, bool) {
	if operation.Type != OperationBlockUpdate {
		return nil, false
	}
	return operation.Data, true
}
