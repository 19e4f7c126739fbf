package document

import "sort"

// detectConflict reports whether two operations touch overlapping character
// ranges. Overlap is symmetric. A zero-length operation (an insert carries no
// length) only conflicts when its position falls strictly inside the other
// operation's range; two zero-length operations never conflict.
func detectConflict(first, second Operation) bool {
	firstStart, firstEnd := first.Span()
	secondStart, secondEnd := second.Span()

	if first.Length == 0 && second.Length == 0 {
		return false
	}
	if first.Length == 0 {
		return secondStart < firstStart && firstStart < secondEnd
	}
	if second.Length == 0 {
		return firstStart < secondStart && secondStart < firstEnd
	}
	return firstStart < secondEnd && secondStart < firstEnd
}

// transformOperation shifts the incoming operation's position past one prior
// committed operation. Prior inserts at or before the incoming position push
// it forward by the inserted content length; prior deletes pull it backward
// by the deleted length. This is a position-only transform: genuinely
// overlapping edits are not merged at the content level, the incoming edit
// simply lands after everything already committed.
func transformOperation(incoming, prior Operation) Operation {
	if prior.Position > incoming.Position {
		return incoming
	}
	switch prior.Type {
	case OperationTypeInsert:
		incoming.Position += len(prior.Content)
	case OperationTypeDelete:
		incoming.Position -= prior.Length
		if incoming.Position < prior.Position {
			incoming.Position = prior.Position
		}
		if incoming.Position < 0 {
			incoming.Position = 0
		}
	}
	return incoming
}

// Resolve transforms the incoming operation so it applies cleanly after every
// operation committed since the version the client last saw. Candidates are
// the log entries with versionAfter in (versionExpected, current], replayed
// oldest first — the order they were actually applied.
func Resolve(incoming Operation, versionExpected int64, log []OperationLog) ConflictResolution {
	intervening := make([]OperationLog, 0, len(log))
	for _, entry := range log {
		if entry.VersionAfter > versionExpected {
			intervening = append(intervening, entry)
		}
	}
	sort.Slice(intervening, func(i, j int) bool {
		return intervening[i].VersionAfter < intervening[j].VersionAfter
	})

	resolved := incoming
	conflicts := make([]Operation, 0)
	for _, entry := range intervening {
		prior := entry.Operation()
		if detectConflict(prior, resolved) {
			conflicts = append(conflicts, prior)
		}
		resolved = transformOperation(resolved, prior)
	}

	strategy := StrategyOurs
	if len(conflicts) > 0 {
		strategy = StrategyMerge
	}
	return ConflictResolution{
		ResolvedOperation: resolved,
		ConflictsDetected: conflicts,
		Strategy:          strategy,
	}
}
