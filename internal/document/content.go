package document

// applyOperationToContent splices one operation into the document content.
// Positions beyond the current bounds are clamped rather than rejected, and
// unknown operation types leave the content untouched, so this function never
// fails mid-write.
func applyOperationToContent(content string, op Operation) string {
	switch op.Type {
	case OperationTypeInsert:
		position := clamp(op.Position, 0, len(content))
		return content[:position] + op.Content + content[position:]
	case OperationTypeDelete:
		start := clamp(op.Position, 0, len(content))
		end := clamp(op.Position+op.Length, start, len(content))
		return content[:start] + content[end:]
	case OperationTypeRetain, OperationTypeFormat:
		return content
	default:
		return content
	}
}

func clamp(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
