package document

import (
	"errors"
	"fmt"
	"time"
)

// ErrMissingDiffUser indicates a diff request without an originating user.
var ErrMissingDiffUser = errors.New("document: diff requires a user id")

// ComputeOperation derives a single operation from before/after snapshots of
// the document text. It exists for editing surfaces that only expose full
// snapshots; surfaces with keystroke events should construct Operations
// directly.
//
// The algorithm scans a common prefix forward and a common suffix backward
// to isolate the changed window, then expresses it as one insert (new text
// longer) or one delete (old text shorter). It handles a single contiguous
// edit cleanly but cannot express multi-region edits or equal-length
// replacements in one call; an equal-length replacement degrades to an
// insert of the changed window.
//
// Returns (nil, nil) when the snapshots are identical.
func ComputeOperation(oldText, newText, userID string, version int64) (*Operation, error) {
	if userID == "" {
		return nil, ErrMissingDiffUser
	}
	if oldText == newText {
		return nil, nil
	}

	position := commonPrefixLength(oldText, newText)
	suffix := commonSuffixLength(oldText[position:], newText[position:])
	now := time.Now().UTC()

	switch {
	case len(newText) > len(oldText):
		return &Operation{
			Type:      OperationTypeInsert,
			Position:  position,
			Content:   newText[position : len(newText)-suffix],
			Timestamp: now,
			UserID:    userID,
			Version:   version,
		}, nil
	case len(newText) < len(oldText):
		return &Operation{
			Type:      OperationTypeDelete,
			Position:  position,
			Length:    len(oldText) - suffix - position,
			Timestamp: now,
			UserID:    userID,
			Version:   version,
		}, nil
	default:
		// Equal lengths with differing content: a replacement this scan
		// cannot express as one splice. Surface the changed window as an
		// insert so callers at least see the edit location.
		if position >= len(newText) {
			return nil, fmt.Errorf("%w: undetectable equal-length change", ErrInvalidOperation)
		}
		return &Operation{
			Type:      OperationTypeInsert,
			Position:  position,
			Content:   newText[position : len(newText)-suffix],
			Timestamp: now,
			UserID:    userID,
			Version:   version,
		}, nil
	}
}

func commonPrefixLength(left, right string) int {
	limit := len(left)
	if len(right) < limit {
		limit = len(right)
	}
	index := 0
	for index < limit && left[index] == right[index] {
		index++
	}
	return index
}

func commonSuffixLength(left, right string) int {
	limit := len(left)
	if len(right) < limit {
		limit = len(right)
	}
	count := 0
	for count < limit && left[len(left)-1-count] == right[len(right)-1-count] {
		count++
	}
	return count
}
