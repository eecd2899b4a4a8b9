package domain

import "time"

// AutoLinkRecordsPerProcess caps the evidence kept for one process.
const AutoLinkRecordsPerProcess = 100000

// AutoLinkSample is one (serial, time) observation of a process.
type AutoLinkSample struct {
	ProcessID int64
	Serial    string
	Time      time.Time
}

// DedupeLatest keeps the latest sample per (process, serial). Output order
// follows first appearance.
func DedupeLatest(samples []AutoLinkSample) []AutoLinkSample {
	type key struct {
		process int64
		serial  string
	}
	pos := make(map[key]int, len(samples))
	out := make([]AutoLinkSample, 0, len(samples))
	for _, s := range samples {
		k := key{s.ProcessID, s.Serial}
		if i, ok := pos[k]; ok {
			if s.Time.After(out[i].Time) {
				out[i] = s
			}
			continue
		}
		pos[k] = len(out)
		out = append(out, s)
	}
	return out
}
