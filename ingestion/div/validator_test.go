package div

import (
	"testing"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/sirupsen/logrus"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	venice "github.com/linkedin/venice/entities/venice"
)

func strfmtUUID(s string) strfmt.UUID { return strfmt.UUID(s) }

func newTestValidator() *Validator {
	logger, _ := logrusTest.NewNullLogger()
	return NewValidator(nil, logger.WithField("test", true))
}

func dataMessage(guid string, segment int32, seq int64) *venice.Message {
	return &venice.Message{
		Type: venice.MessageTypePut,
		Key:  []byte("k"),
		Put:  &venice.PutPayload{Value: []byte("v")},
		Producer: venice.ProducerMetadata{
			GUID:             strfmtUUID(guid),
			SegmentNumber:    segment,
			SequenceNumber:   seq,
			MessageTimestamp: time.Now(),
		},
	}
}

// startOfSegment builds the head message of a fresh segment, always at
// sequence 1, matching vtproducer.Producer.Start's own numbering (its
// first emitted message, the StartOfSegment, takes sequence 1).
func startOfSegment(guid string, segment int32) *venice.Message {
	return &venice.Message{
		Type: venice.MessageTypeControl,
		Control: &venice.ControlMessage{
			Type:           venice.ControlMessageStartOfSegment,
			StartOfSegment: &venice.StartOfSegment{},
		},
		Producer: venice.ProducerMetadata{GUID: strfmtUUID(guid), SegmentNumber: segment, SequenceNumber: 1},
	}
}

func endOfSegment(guid string, segment int32, final bool) *venice.Message {
	return &venice.Message{
		Type: venice.MessageTypeControl,
		Control: &venice.ControlMessage{
			Type:         venice.ControlMessageEndOfSegment,
			EndOfSegment: &venice.EndOfSegment{FinalSegment: final},
		},
		Producer: venice.ProducerMetadata{GUID: strfmtUUID(guid), SegmentNumber: segment},
	}
}

func endOfSegmentWithChecksum(guid string, segment int32, final bool, checksum uint32) *venice.Message {
	return &venice.Message{
		Type: venice.MessageTypeControl,
		Control: &venice.ControlMessage{
			Type:         venice.ControlMessageEndOfSegment,
			EndOfSegment: &venice.EndOfSegment{FinalSegment: final, HasChecksum: true, Checksum: checksum},
		},
		Producer: venice.ProducerMetadata{GUID: strfmtUUID(guid), SegmentNumber: segment},
	}
}

// TestDuplicateRecordDiscard mirrors spec scenario 2: a replayed
// (guid, segment, seq) already applied must be dropped, not reapplied.
func TestDuplicateRecordDiscard(t *testing.T) {
	v := newTestValidator()

	require.Equal(t, OutcomeValid, v.Validate(startOfSegment("G", 100)))
	require.Equal(t, OutcomeValid, v.Validate(dataMessage("G", 100, 2)))
	require.Equal(t, OutcomeValid, v.Validate(dataMessage("G", 100, 3)))

	// (k1, v1, G, 100, 2) redelivered after seq 3 was already applied.
	assert.Equal(t, OutcomeDuplicate, v.Validate(dataMessage("G", 100, 2)))

	require.Equal(t, OutcomeValid, v.Validate(dataMessage("G", 100, 4)))
}

func TestGapBeforeEndOfSegmentIsReportedOnce(t *testing.T) {
	v := newTestValidator()

	require.Equal(t, OutcomeValid, v.Validate(startOfSegment("G", 1)))
	assert.Equal(t, OutcomeGap, v.Validate(dataMessage("G", 1, 5)))

	// Once flagged, the validator has already adopted seq 5 as its new
	// baseline so it does not re-report the same gap forever.
	assert.Equal(t, OutcomeValid, v.Validate(dataMessage("G", 1, 6)))
}

// TestToleratesNewSegmentAfterNonFinalEndOfSegment mirrors spec
// scenario 6: a new segment opened mid-stream from the same GUID
// after an EndOfSegment is tolerated, not flagged as a gap.
func TestToleratesNewSegmentAfterNonFinalEndOfSegment(t *testing.T) {
	v := newTestValidator()

	require.Equal(t, OutcomeValid, v.Validate(startOfSegment("G", 1)))
	require.Equal(t, OutcomeValid, v.Validate(dataMessage("G", 1, 2)))
	require.Equal(t, OutcomeValid, v.Validate(endOfSegment("G", 1, false)))

	require.Equal(t, OutcomeValid, v.Validate(startOfSegment("G", 2)))
	assert.Equal(t, OutcomeValid, v.Validate(dataMessage("G", 2, 2)))
}

func TestFreshProducerGUIDAfterEndOfPushIsAccepted(t *testing.T) {
	v := newTestValidator()

	require.Equal(t, OutcomeValid, v.Validate(startOfSegment("G1", 0)))
	require.Equal(t, OutcomeValid, v.Validate(dataMessage("G1", 0, 2)))
	require.Equal(t, OutcomeValid, v.Validate(endOfSegment("G1", 0, true)))

	// A brand-new producer GUID starting a fresh segment after EOP
	// must not collide with, or be gated by, G1's now-terminated state.
	assert.Equal(t, OutcomeValid, v.Validate(startOfSegment("G2", 0)))
	assert.Equal(t, OutcomeValid, v.Validate(dataMessage("G2", 0, 2)))
}

func TestFinalEndOfSegmentRejectsFurtherRecordsForSameGUID(t *testing.T) {
	v := newTestValidator()

	require.Equal(t, OutcomeValid, v.Validate(startOfSegment("G", 0)))
	require.Equal(t, OutcomeValid, v.Validate(endOfSegment("G", 0, true)))

	assert.Equal(t, OutcomeSegmentMismatch, v.Validate(dataMessage("G", 0, 2)))
}

func TestSnapshotRoundTripsThroughNewValidator(t *testing.T) {
	v := newTestValidator()
	require.Equal(t, OutcomeValid, v.Validate(startOfSegment("G", 3)))
	require.Equal(t, OutcomeValid, v.Validate(dataMessage("G", 3, 2)))

	seed := v.Snapshot()
	require.Contains(t, seed, "G")
	assert.Equal(t, int64(2), seed["G"].SequenceNumber)

	resumed := NewValidator(seed, logrus.NewEntry(logrus.New()))
	assert.Equal(t, OutcomeDuplicate, resumed.Validate(dataMessage("G", 3, 2)))
	assert.Equal(t, OutcomeValid, resumed.Validate(dataMessage("G", 3, 3)))
}

// TestUnknownGUIDWithoutStartOfSegmentIsMissingHead mirrors spec.md
// §4.2's literal unknown-(guid,segment) rule: a record for a GUID this
// validator has never seen is only accepted as the segment head when
// it is itself a StartOfSegment at sequence 1; anything else (a data
// record, or a control message of a different kind) enters
// MISSING_HEAD instead of being accepted as an implicit baseline.
func TestUnknownGUIDWithoutStartOfSegmentIsMissingHead(t *testing.T) {
	v := newTestValidator()
	assert.Equal(t, OutcomeMissingHead, v.Validate(dataMessage("G", 0, 1)))
}

func TestUnknownGUIDStartOfSegmentNotAtSequenceOneIsMissingHead(t *testing.T) {
	v := newTestValidator()
	msg := startOfSegment("G", 0)
	msg.Producer.SequenceNumber = 5
	assert.Equal(t, OutcomeMissingHead, v.Validate(msg))
}

// TestKnownGUIDSegmentAdvanceWithoutStartOfSegmentIsMissingHead mirrors
// spec.md §4.2's unknown-segment rule applied to a GUID this validator
// already tracks: a segment number advancing without its own observed
// StartOfSegment at sequence 1 is MISSING_HEAD, not an implicit new
// baseline.
func TestKnownGUIDSegmentAdvanceWithoutStartOfSegmentIsMissingHead(t *testing.T) {
	v := newTestValidator()
	require.Equal(t, OutcomeValid, v.Validate(startOfSegment("G", 0)))
	require.Equal(t, OutcomeValid, v.Validate(dataMessage("G", 0, 2)))

	assert.Equal(t, OutcomeMissingHead, v.Validate(dataMessage("G", 1, 1)))
}

func TestChecksumMatchAtEndOfSegmentIsValid(t *testing.T) {
	v := newTestValidator()
	require.Equal(t, OutcomeValid, v.Validate(startOfSegment("G", 0)))
	require.Equal(t, OutcomeValid, v.Validate(dataMessage("G", 0, 2)))

	want := Checksum(0, []byte("k"), []byte("v"))
	assert.Equal(t, OutcomeValid, v.Validate(endOfSegmentWithChecksum("G", 0, false, want)))
}

func TestChecksumMismatchAtEndOfSegmentIsReported(t *testing.T) {
	v := newTestValidator()
	require.Equal(t, OutcomeValid, v.Validate(startOfSegment("G", 0)))
	require.Equal(t, OutcomeValid, v.Validate(dataMessage("G", 0, 2)))

	assert.Equal(t, OutcomeChecksumMismatch, v.Validate(endOfSegmentWithChecksum("G", 0, false, 0xdeadbeef)))
}

func TestChecksumIsOrderSensitive(t *testing.T) {
	a := Checksum(0, []byte("k1"), []byte("v1"))
	a = Checksum(a, []byte("k2"), []byte("v2"))

	b := Checksum(0, []byte("k2"), []byte("v2"))
	b = Checksum(b, []byte("k1"), []byte("v1"))

	assert.NotEqual(t, a, b)

	c := Checksum(0, []byte("k1"), []byte("v1"))
	c = Checksum(c, []byte("k2"), []byte("v2"))
	assert.Equal(t, a, c)
}
