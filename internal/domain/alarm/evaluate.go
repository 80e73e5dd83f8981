package alarm

// Evaluate compares current against threshold using op.
// Unknown operators yield false so a malformed rule can never activate.
func Evaluate(op Operator, current, threshold float64) bool {
	switch op {
	case OperatorGreater:
		return current > threshold
	case OperatorLess:
		return current < threshold
	case OperatorEqual:
		return current == threshold
	case OperatorGreaterOrEqual:
		return current >= threshold
	case OperatorLessOrEqual:
		return current <= threshold
	case OperatorNotEqual:
		return current != threshold
	default:
		return false
	}
}
