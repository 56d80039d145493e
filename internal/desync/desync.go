// Package desync compares the per frame state checksums every player reports
// and declares a desync the first time they disagree.
package desync

import (
	"slices"

	"github.com/blukai/netplay/internal/protocol"
	"github.com/cespare/xxhash/v2"
)

// NoBlame is the blamed pid when no single player can be singled out.
const NoBlame int32 = -1

// Verdict describes a declared desync.
type Verdict struct {
	Frame  uint32
	Blamed int32
}

type report struct {
	pid      protocol.PlayerID
	checksum uint64
}

// Detector is owned by the server's service goroutine.
type Detector struct {
	buckets  map[uint32][]report
	desynced bool
}

func New() *Detector {
	return &Detector{buckets: make(map[uint32][]report)}
}

// Report records pid's checksum for frame. Once the bucket holds a report
// from every one of players, it is resolved and erased; the second return
// value is true when that resolution declared a desync. After the first
// desync every report is ignored until Reset.
func (d *Detector) Report(pid protocol.PlayerID, frame uint32, checksum uint64, players int) (Verdict, bool) {
	if d.desynced {
		return Verdict{}, false
	}

	bucket := d.buckets[frame]
	replaced := false
	for i := range bucket {
		// a repeated report from the same player overwrites its earlier one
		if bucket[i].pid == pid {
			bucket[i].checksum = checksum
			replaced = true
			break
		}
	}
	if !replaced {
		bucket = append(bucket, report{pid: pid, checksum: checksum})
	}

	if len(bucket) < players {
		d.buckets[frame] = bucket
		return Verdict{}, false
	}
	delete(d.buckets, frame)
	return d.resolve(frame, bucket)
}

func (d *Detector) resolve(frame uint32, bucket []report) (Verdict, bool) {
	if unanimous(bucket) {
		return Verdict{}, false
	}

	d.desynced = true
	return Verdict{Frame: frame, Blamed: blame(bucket)}, true
}

func unanimous(bucket []report) bool {
	for _, r := range bucket[1:] {
		if r.checksum != bucket[0].checksum {
			return false
		}
	}
	return true
}

// blame returns the first reporter whose checksum nobody else shares. When
// every checksum is shared by at least two players nobody is blamed.
func blame(bucket []report) int32 {
	counts := make(map[uint64]int, len(bucket))
	for _, r := range bucket {
		counts[r.checksum]++
	}
	for _, r := range bucket {
		if counts[r.checksum] == 1 {
			return int32(r.pid)
		}
	}
	return NoBlame
}

// Forget drops every pending report from pid, used when the player leaves.
// Buckets the remaining players have all reported for are resolved right
// away, oldest frame first, with the same result Report would give.
func (d *Detector) Forget(pid protocol.PlayerID, players int) (Verdict, bool) {
	var complete []uint32
	for frame, bucket := range d.buckets {
		kept := slices.DeleteFunc(bucket, func(r report) bool { return r.pid == pid })
		switch {
		case len(kept) == 0:
			delete(d.buckets, frame)
		case len(kept) >= players:
			complete = append(complete, frame)
			d.buckets[frame] = kept
		default:
			d.buckets[frame] = kept
		}
	}
	slices.Sort(complete)

	var verdict Verdict
	declared := false
	for _, frame := range complete {
		bucket := d.buckets[frame]
		delete(d.buckets, frame)
		if d.desynced {
			continue
		}
		verdict, declared = d.resolve(frame, bucket)
	}
	return verdict, declared
}

func (d *Detector) Desynced() bool { return d.desynced }

// Pending is the number of frames still waiting for reports.
func (d *Detector) Pending() int { return len(d.buckets) }

// Reset clears every bucket and the latch for a new game.
func (d *Detector) Reset() {
	clear(d.buckets)
	d.desynced = false
}

// Checksum hashes emulated state into the value a client reports per frame.
func Checksum(state ...[]byte) uint64 {
	h := xxhash.New()
	for _, b := range state {
		_, _ = h.Write(b)
	}
	return h.Sum64()
}
