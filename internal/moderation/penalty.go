package moderation

// Penalty maps a sender's cumulative violation count to the reputation
// points deducted for the latest violation. This is the only place the
// escalation schedule lives:
//
//	count <= 1 -> 0   (first offense is warning-equivalent)
//	count == 2 -> 2
//	count >= 3 -> 2^(count-1)  (4, 8, 16, ...)
//
// Monotonic non-decreasing and deterministic.
func Penalty(violationCount int) int {
	switch {
	case violationCount <= 1:
		return 0
	case violationCount == 2:
		return 2
	default:
		if violationCount > 8 {
			// 2^7 = 128 already exceeds the reputation range, so further
			// doubling cannot change the outcome; clamping avoids shift
			// overflow on absurd counts.
			violationCount = 8
		}
		return 1 << (violationCount - 1)
	}
}
