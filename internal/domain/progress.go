package domain

// ProgressUpdate reports how far along a job is. At most one of percent,
// current/total or heartbeat is meaningful at a time; consumers render
// whichever is set.
type ProgressUpdate struct {
	Percent   *int   // 0-100 when set
	Current   int
	Total     int    // counters are set when Total > 0
	Item      string // free-text label for the item being worked on
	Heartbeat bool
}

// ProgressPercent builds a percent-based update.
func ProgressPercent(percent int, item string) ProgressUpdate {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return ProgressUpdate{Percent: &percent, Item: item}
}

// ProgressCount builds a current-of-total update.
func ProgressCount(current, total int, item string) ProgressUpdate {
	return ProgressUpdate{Current: current, Total: total, Item: item}
}

// ProgressHeartbeat builds a bare liveness update.
func ProgressHeartbeat(item string) ProgressUpdate {
	return ProgressUpdate{Heartbeat: true, Item: item}
}
