// Package div implements Data Integrity Validation: per-(producer
// GUID, segment) continuity checking over the records an ingestor
// consumes from a single partition.
package div

import (
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/sirupsen/logrus"

	venice "github.com/linkedin/venice/entities/venice"
)

// Outcome classifies a record against DIV continuity state.
type Outcome uint8

const (
	// OutcomeValid means the record is the expected next sequence
	// number for its (GUID, segment) and should be applied.
	OutcomeValid Outcome = iota
	// OutcomeDuplicate means this exact sequence number (or an earlier
	// one) has already been seen for this (GUID, segment); the record
	// must be skipped, not reapplied.
	OutcomeDuplicate
	// OutcomeGap means a sequence number was skipped. A single skip
	// right after a non-final EndOfSegment is reported as OutcomeValid
	// instead (see Validator.Validate); whether an OutcomeGap is
	// tolerated is up to the caller.
	OutcomeGap
	// OutcomeSegmentMismatch means segmentNumber regressed or a
	// message arrived for a GUID whose segment was already terminated
	// by a final EndOfSegment.
	OutcomeSegmentMismatch
	// OutcomeMissingHead means a record arrived for a (GUID, segment)
	// never before seen, and it was not itself a StartOfSegment at
	// sequence 1 — its segment's head was never observed.
	OutcomeMissingHead
	// OutcomeChecksumMismatch means an EndOfSegment's declared checksum
	// disagreed with the checksum independently accumulated over the
	// segment's data records as they were applied.
	OutcomeChecksumMismatch
)

func (o Outcome) String() string {
	switch o {
	case OutcomeValid:
		return "VALID"
	case OutcomeDuplicate:
		return "DUPLICATE"
	case OutcomeGap:
		return "GAP"
	case OutcomeSegmentMismatch:
		return "SEGMENT_MISMATCH"
	case OutcomeMissingHead:
		return "MISSING_HEAD"
	case OutcomeChecksumMismatch:
		return "CHECKSUM_MISMATCH"
	default:
		return "UNKNOWN"
	}
}

// Validator tracks DIV continuity state for every producer GUID
// observed on one partition. It is not safe to share across
// partitions; the ingestion core owns one Validator per partition.
type Validator struct {
	log *logrus.Entry

	mu       sync.Mutex
	segments map[string]venice.SegmentState
	// eopTolerated remembers GUIDs whose segment most recently
	// ended via a non-final EndOfSegment, so a gap immediately
	// following end-of-segment (the new segment's first message can
	// legitimately skip ahead) is tolerated exactly once rather than
	// flagged as a lost message.
	eopTolerated map[string]bool
}

// NewValidator constructs a Validator seeded from a checkpoint's
// segment map, so a restarted ingestor resumes continuity checking
// exactly where it left off.
func NewValidator(seed map[string]venice.SegmentState, logger *logrus.Entry) *Validator {
	segments := make(map[string]venice.SegmentState, len(seed))
	for k, v := range seed {
		segments[k] = v
	}
	return &Validator{
		log:          logger,
		segments:     segments,
		eopTolerated: make(map[string]bool),
	}
}

// Validate checks msg's producer metadata against the tracked state
// for its GUID and returns the outcome. The tracked state is updated
// in place; callers read it for persistence through Snapshot.
func (v *Validator) Validate(msg *venice.Message) Outcome {
	v.mu.Lock()
	defer v.mu.Unlock()

	guid := msg.Producer.GUID.String()
	prior, known := v.segments[guid]

	if !known {
		if msg.Producer.SequenceNumber == 1 && msg.IsControl() && msg.Control.Type == venice.ControlMessageStartOfSegment {
			v.segments[guid] = venice.SegmentState{
				SegmentNumber:  msg.Producer.SegmentNumber,
				SequenceNumber: msg.Producer.SequenceNumber,
			}
			return OutcomeValid
		}
		v.log.WithFields(logrus.Fields{
			"guid":    guid,
			"segment": msg.Producer.SegmentNumber,
			"seq":     msg.Producer.SequenceNumber,
		}).Warn("DIV saw a record for an unknown producer segment whose head was never observed")
		return OutcomeMissingHead
	}

	if msg.IsControl() {
		switch msg.Control.Type {
		case venice.ControlMessageStartOfSegment:
			if msg.Producer.SegmentNumber > prior.SegmentNumber && msg.Producer.SequenceNumber != 1 {
				v.log.WithFields(logrus.Fields{
					"guid":    guid,
					"segment": msg.Producer.SegmentNumber,
					"seq":     msg.Producer.SequenceNumber,
				}).Warn("DIV saw a new producer segment whose head was never observed")
				return OutcomeMissingHead
			}
			v.segments[guid] = venice.SegmentState{
				SegmentNumber:  msg.Producer.SegmentNumber,
				SequenceNumber: msg.Producer.SequenceNumber,
			}
			delete(v.eopTolerated, guid)
			return OutcomeValid
		case venice.ControlMessageEndOfSegment:
			prior.Terminated = msg.Control.EndOfSegment != nil && msg.Control.EndOfSegment.FinalSegment
			mismatch := msg.Control.EndOfSegment != nil && msg.Control.EndOfSegment.HasChecksum &&
				msg.Control.EndOfSegment.Checksum != prior.Checksum
			v.segments[guid] = prior
			if !prior.Terminated {
				v.eopTolerated[guid] = true
			}
			if mismatch {
				v.log.WithFields(logrus.Fields{
					"guid":     guid,
					"segment":  prior.SegmentNumber,
					"expected": msg.Control.EndOfSegment.Checksum,
					"actual":   prior.Checksum,
				}).Warn("DIV checksum mismatch at end of segment")
				return OutcomeChecksumMismatch
			}
			return OutcomeValid
		}
	}

	if prior.Terminated {
		return OutcomeSegmentMismatch
	}

	if msg.Producer.SegmentNumber < prior.SegmentNumber {
		return OutcomeSegmentMismatch
	}
	if msg.Producer.SegmentNumber > prior.SegmentNumber {
		// A known GUID advancing to a segment never announced by its own
		// StartOfSegment is the same "head never observed" situation as
		// an entirely unknown (guid, segment) pair, and is held to the
		// same gate: only a StartOfSegment at sequence 1 may open it.
		if msg.Producer.SequenceNumber == 1 && msg.IsControl() && msg.Control.Type == venice.ControlMessageStartOfSegment {
			v.segments[guid] = venice.SegmentState{
				SegmentNumber:  msg.Producer.SegmentNumber,
				SequenceNumber: msg.Producer.SequenceNumber,
			}
			return OutcomeValid
		}
		v.log.WithFields(logrus.Fields{
			"guid":    guid,
			"segment": msg.Producer.SegmentNumber,
			"seq":     msg.Producer.SequenceNumber,
		}).Warn("DIV saw a new producer segment whose head was never observed")
		return OutcomeMissingHead
	}

	switch {
	case msg.Producer.SequenceNumber <= prior.SequenceNumber:
		return OutcomeDuplicate
	case msg.Producer.SequenceNumber == prior.SequenceNumber+1:
		prior.SequenceNumber = msg.Producer.SequenceNumber
		prior.Checksum = accumulateChecksum(prior.Checksum, msg)
		v.segments[guid] = prior
		return OutcomeValid
	default:
		if v.eopTolerated[guid] {
			delete(v.eopTolerated, guid)
			prior.SequenceNumber = msg.Producer.SequenceNumber
			prior.Checksum = accumulateChecksum(prior.Checksum, msg)
			v.segments[guid] = prior
			return OutcomeValid
		}
		v.log.WithFields(logrus.Fields{
			"guid":            guid,
			"expected_seq":    prior.SequenceNumber + 1,
			"actual_seq":      msg.Producer.SequenceNumber,
			"segment":         msg.Producer.SegmentNumber,
		}).Warn("DIV detected a gap in producer sequence numbers")
		prior.SequenceNumber = msg.Producer.SequenceNumber
		prior.Checksum = accumulateChecksum(prior.Checksum, msg)
		v.segments[guid] = prior
		return OutcomeGap
	}
}

// accumulateChecksum folds msg into the segment's running checksum if
// msg carries a data payload; control messages (which never reach here
// under their own dedicated cases) and records with no payload leave
// the checksum unchanged.
func accumulateChecksum(prior uint32, msg *venice.Message) uint32 {
	if msg.IsControl() {
		return prior
	}
	var value []byte
	switch msg.Type {
	case venice.MessageTypePut:
		if msg.Put != nil {
			value = msg.Put.Value
		}
	case venice.MessageTypeUpdate:
		if msg.Update != nil {
			value = msg.Update.PartialValue
		}
	}
	return Checksum(prior, msg.Key, value)
}

// Snapshot returns a copy of the current per-GUID segment state
// suitable for persisting into a PartitionCheckpoint.
func (v *Validator) Snapshot() map[string]venice.SegmentState {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]venice.SegmentState, len(v.segments))
	for k, val := range v.segments {
		out[k] = val
	}
	return out
}

// Checksum computes a running CRC32 checksum seed update for a
// record's key+value, used to detect silent corruption independent of
// sequence-number continuity.
func Checksum(prior uint32, key, value []byte) uint32 {
	h := crc32.NewIEEE()
	if prior != 0 {
		_, _ = fmt.Fprintf(h, "%08x", prior)
	}
	h.Write(key)
	h.Write(value)
	return h.Sum32()
}
