package alert

// Evaluate maps a sample value and the previous status to the next status.
//
// The transition table:
//
//	Normal    --(v >= TriggerHigh)--> Triggered
//	Triggered --(v <= ClearLow)-----> Resolved
//	Resolved behaves like Normal (the store collapses it after one read)
//
// Anything else keeps the previous status. The returned bool reports whether a
// transition happened; only true transitions may produce a notification.
//
// Evaluate is pure. The caller persists the result.
func Evaluate(value float64, prev Status, th Threshold) (Status, bool) {
	switch prev {
	case StatusTriggered:
		if value <= th.ClearLow {
			return StatusResolved, true
		}
		return StatusTriggered, false
	case StatusNormal, StatusResolved, "":
		if value >= th.TriggerHigh {
			return StatusTriggered, true
		}
		return StatusNormal, false
	default:
		return prev, false
	}
}
