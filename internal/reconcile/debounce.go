package reconcile

// File-update debounce constants, in deciseconds, per the move-candidate
// stability check: two consecutive observations must agree on size and
// mtime at least FileUpdateDelayDS apart before a move candidate that is
// still being written commits, up to a hard cap of FileUpdateMaxDS after
// which the move is abandoned and telemetry event EventFileUpdateAbandoned
// fires.
const (
	FileUpdateDelayDS = 30  // 3s
	FileUpdateMaxDS   = 600 // 60s

	EventFileUpdateAbandoned = 99438
)

// debounceState tracks one in-flight move candidate that is a file whose
// origin path still exists, across reconciliation passes.
type debounceState struct {
	firstObservedDS int64
	lastSampleDS    int64
	lastSize        int64
	lastMtime       int64
	stable          bool
}

// observe records a new (size, mtime) sample at time nowDS and reports
// whether the candidate has become stable (two samples at least
// FileUpdateDelayDS apart agreeing on size+mtime) or should be abandoned
// (total elapsed time exceeds FileUpdateMaxDS without stabilizing).
//
// Returned values: stable, abandoned. Neither true means "keep waiting".
func (d *debounceState) observe(nowDS, size, mtime int64) (stable, abandoned bool) {
	if d.firstObservedDS == 0 {
		d.firstObservedDS = nowDS
		d.lastSampleDS = nowDS
		d.lastSize = size
		d.lastMtime = mtime
		return false, false
	}

	if nowDS-d.firstObservedDS > FileUpdateMaxDS {
		return false, true
	}

	if nowDS-d.lastSampleDS < FileUpdateDelayDS {
		return false, false
	}

	agree := size == d.lastSize && mtime == d.lastMtime
	d.lastSampleDS = nowDS
	d.lastSize = size
	d.lastMtime = mtime

	if agree {
		d.stable = true
		return true, false
	}
	return false, false
}
