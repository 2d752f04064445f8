package timeclock

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"
	"time"
)

// GenesisHash is the previousHash of sequence 0.
var GenesisHash = strings.Repeat("0", sha256.Size*2)

// Timestamps are stored with microsecond precision so the digest survives a
// round trip through timestamptz.
const timestampPrecision = time.Microsecond

func normalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(timestampPrecision)
}

// ComputeHash digests an event's own fields, chained on its PreviousHash.
func ComputeHash(ev ClockEvent) string {
	return digest(ev, ev.PreviousHash)
}

// digest hashes the canonical encoding of ev with prev substituted for its
// previous hash. Each field is length-prefixed so no two distinct records
// share an encoding. The timestamp is hashed as stored, so a record carrying
// digits below timestampPrecision no longer matches the hash it was sealed with.
func digest(ev ClockEvent, prev string) string {
	h := sha256.New()
	writeField(h, strconv.FormatInt(ev.Sequence, 10))
	writeField(h, ev.EmployeeID)
	writeField(h, string(ev.EventType))
	writeField(h, ev.Timestamp.UTC().Format(time.RFC3339Nano))
	writeField(h, ev.SourceAddress)
	writeField(h, prev)
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, v string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(v)))
	h.Write(n[:])
	h.Write([]byte(v))
}

// nextEvent builds the record that extends head.
func nextEvent(head Head, req ClockRequest, now time.Time) ClockEvent {
	ts := normalizeTimestamp(now)
	if !head.Empty() && ts.Before(head.Timestamp) {
		ts = normalizeTimestamp(head.Timestamp)
	}
	ev := ClockEvent{
		Sequence:      head.Sequence + 1,
		EmployeeID:    req.EmployeeID,
		EventType:     req.EventType,
		Timestamp:     ts,
		SourceAddress: req.SourceAddress,
		PreviousHash:  head.Hash,
	}
	ev.Hash = ComputeHash(ev)
	return ev
}
