package scan

// Progress is the derived aggregate state of a scan.
type Progress struct {
	Completed  int
	Total      int
	Percentage int
	Status     Status
}

// Aggregate recomputes a scan's progress and status from the full current set
// of its service records. It is a pure function of its inputs: recomputation
// is order-independent and safe to repeat. The current scan status is only
// consulted while no service has finished, so the scan stays pending until
// the first terminal record.
//
// Terminal mapping once every record is terminal: all successes -> completed,
// some successes -> partial, none -> failed. An empty record set is defined
// as failed (scan creation rejects empty service sets, so this is a guard,
// not a reachable product state).
func Aggregate(current Status, records []ServiceRecord) Progress {
	total := len(records)
	if total == 0 {
		return Progress{Status: StatusFailed}
	}

	completed := 0
	successes := 0
	for _, r := range records {
		if r.Status.Terminal() {
			completed++
		}
		if r.Status == ServiceSuccess {
			successes++
		}
	}

	p := Progress{
		Completed:  completed,
		Total:      total,
		Percentage: completed * 100 / total,
	}

	if completed < total {
		if completed > 0 {
			p.Status = StatusRunning
		} else {
			p.Status = current
		}
		return p
	}

	switch {
	case successes == total:
		p.Status = StatusCompleted
	case successes > 0:
		p.Status = StatusPartial
	default:
		p.Status = StatusFailed
	}
	return p
}
