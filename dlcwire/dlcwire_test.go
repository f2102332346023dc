package dlcwire

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// allMessageTypes lists every type makeEmptyMessage knows about.
var allMessageTypes = []MessageType{
	MsgOffer, MsgAccept, MsgSign, MsgSegmentStart, MsgSegmentChunk,
	MsgSettleOffer, MsgSettleAccept, MsgSettleConfirm, MsgSettleFinalize,
	MsgRenewOffer, MsgRenewAccept, MsgRenewConfirm, MsgRenewFinalize,
	MsgCollaborativeCloseOffer, MsgReject,
}

// TestDLCWireProtocol checks that every message decodes to exactly what was
// encoded.
func TestDLCWireProtocol(t *testing.T) {
	t.Parallel()

	for _, msgType := range allMessageTypes {
		msgType := msgType
		t.Run(msgType.String(), func(t *testing.T) {
			t.Parallel()

			rapid.Check(t, func(t *rapid.T) {
				empty, err := makeEmptyMessage(msgType)
				require.NoError(t, err)

				testMsg, ok := empty.(TestMessage)
				require.True(t, ok, "%v lacks RandTestMessage",
					msgType)

				msg := testMsg.RandTestMessage(t)

				b, err := EncodeMessage(msg)
				require.NoError(t, err)

				decoded, err := DecodeMessage(b)
				require.NoError(t, err)

				if !reflect.DeepEqual(msg, decoded) {
					t.Fatalf("%v round trip mismatch: "+
						"want %v, got %v", msgType,
						spew.Sdump(msg),
						spew.Sdump(decoded))
				}
			})
		})
	}
}

// TestDecodeUnknownType asserts an unknown tag is reported with the tag.
func TestDecodeUnknownType(t *testing.T) {
	t.Parallel()

	_, err := DecodeMessage([]byte{0x00, 0x01, 0xaa})

	var unknown *UnknownMessage
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, MessageType(1), unknown.Type())
}

// TestDecodeTruncated asserts every strict prefix of a message is reported
// as truncated.
func TestDecodeTruncated(t *testing.T) {
	t.Parallel()

	b, err := EncodeMessage(testAccept(t))
	require.NoError(t, err)

	for i := 0; i < len(b); i++ {
		_, err := DecodeMessage(b[:i])
		require.ErrorIs(t, err, ErrTruncated, "prefix %d", i)
	}
}

// TestDecodeTrailingBytes asserts that extra input after a message is
// rejected.
func TestDecodeTrailingBytes(t *testing.T) {
	t.Parallel()

	b, err := EncodeMessage(&Reject{Reason: "no"})
	require.NoError(t, err)

	_, err = DecodeMessage(append(b, 0x00))
	require.ErrorIs(t, err, ErrTrailingBytes)
}

// TestCodecSingleFrame asserts a small message is a single frame identical
// to the plain encoding.
func TestCodecSingleFrame(t *testing.T) {
	t.Parallel()

	codec, err := NewCodec(DefaultFrameCeiling)
	require.NoError(t, err)

	msg := testAccept(t)
	frames, err := codec.Encode(msg)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	plain, err := EncodeMessage(msg)
	require.NoError(t, err)
	require.Equal(t, plain, frames[0])
}

// TestCodecRejectsSegmentTypes asserts segmentation frames can't be passed
// in as messages.
func TestCodecRejectsSegmentTypes(t *testing.T) {
	t.Parallel()

	codec, err := NewCodec(DefaultFrameCeiling)
	require.NoError(t, err)

	_, err = codec.Encode(&SegmentChunk{Seq: 1, Chunk: []byte{1}})
	require.ErrorIs(t, err, ErrReservedType)

	_, err = NewCodec(MaxFrameCeiling + 1)
	require.Error(t, err)

	_, err = NewCodec(MinFrameCeiling - 1)
	require.Error(t, err)
}

// TestSegmentationRoundTrip checks that any message, split at any ceiling,
// reassembles to the original and never produces an oversized frame.
func TestSegmentationRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		ceiling := rapid.IntRange(
			MinFrameCeiling, 4096,
		).Draw(t, "ceiling")
		annLen := rapid.IntRange(0, 64*1024).Draw(t, "annLen")

		msg := (&OfferDlc{}).RandTestMessage(t).(*OfferDlc)
		msg.ContractInfo.Oracle.Announcement = nil
		if annLen > 0 {
			msg.ContractInfo.Oracle.Announcement = bytes.Repeat(
				[]byte{0x5a}, annLen,
			)
		}

		codec, err := NewCodec(ceiling)
		require.NoError(t, err)

		frames, err := codec.Encode(msg)
		require.NoError(t, err)

		r := NewReassembler(DefaultReassemblyConfig())

		var out Message
		for i, frame := range frames {
			require.LessOrEqual(t, len(frame), ceiling)

			decoded, err := DecodeMessage(frame)
			require.NoError(t, err)

			out, err = r.Process("peer", decoded)
			require.NoError(t, err)

			if i < len(frames)-1 {
				require.Nil(t, out)
			}
		}

		require.Equal(t, msg, out)
		require.Zero(t, r.Pending())
	})
}

// TestSegmentationLargeCeiling checks that ceilings whose chunks need a
// five byte length prefix still produce frames within the ceiling.
func TestSegmentationLargeCeiling(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		ceiling := rapid.IntRange(
			60_000, 200_000,
		).Draw(t, "ceiling")
		reasonLen := rapid.IntRange(
			ceiling, 3*ceiling,
		).Draw(t, "reasonLen")

		msg := &Reject{Reason: strings.Repeat("x", reasonLen)}

		codec, err := NewCodec(ceiling)
		require.NoError(t, err)

		frames, err := codec.Encode(msg)
		require.NoError(t, err)
		require.Greater(t, len(frames), 1)

		r := NewReassembler(ReassemblyConfig{
			MaxBytes: MaxFieldLen,
			MaxAge:   DefaultReassemblyMaxAge,
			Clock:    clock.NewDefaultClock(),
		})

		var out Message
		for _, frame := range frames {
			require.LessOrEqual(t, len(frame), ceiling)

			decoded, err := DecodeMessage(frame)
			require.NoError(t, err)

			out, err = r.Process("peer", decoded)
			require.NoError(t, err)
		}
		require.Equal(t, msg, out)
	})
}

// TestReassemblyOutOfOrder asserts a skipped chunk purges the buffer.
func TestReassemblyOutOfOrder(t *testing.T) {
	t.Parallel()

	frames := segmentedFrames(t, 3)
	r := NewReassembler(DefaultReassemblyConfig())

	out, err := r.Process("peer", decodeFrame(t, frames[0]))
	require.NoError(t, err)
	require.Nil(t, out)

	// Skip chunk 1.
	_, err = r.Process("peer", decodeFrame(t, frames[2]))
	require.ErrorIs(t, err, ErrSegmentOutOfOrder)
	require.Zero(t, r.Pending())

	// The in-order chunk now has no open message.
	_, err = r.Process("peer", decodeFrame(t, frames[1]))
	require.ErrorIs(t, err, ErrSegmentIncomplete)
}

// TestReassemblyPerPeer asserts buffers of different counterparties don't
// interfere.
func TestReassemblyPerPeer(t *testing.T) {
	t.Parallel()

	frames := segmentedFrames(t, 2)
	r := NewReassembler(DefaultReassemblyConfig())

	for _, peer := range []string{"alice", "bob"} {
		_, err := r.Process(peer, decodeFrame(t, frames[0]))
		require.NoError(t, err)
	}
	require.Equal(t, 2, r.Pending())

	for _, peer := range []string{"alice", "bob"} {
		var (
			out Message
			err error
		)
		for _, frame := range frames[1:] {
			out, err = r.Process(peer, decodeFrame(t, frame))
			require.NoError(t, err)
		}
		require.IsType(t, &Reject{}, out)
	}
	require.Zero(t, r.Pending())
}

// TestReassemblyExpiry asserts partial messages older than the max age are
// dropped both lazily and by Sweep.
func TestReassemblyExpiry(t *testing.T) {
	t.Parallel()

	testClock := clock.NewTestClock(time.Unix(1_700_000_000, 0))
	cfg := DefaultReassemblyConfig()
	cfg.Clock = testClock

	frames := segmentedFrames(t, 3)
	r := NewReassembler(cfg)

	_, err := r.Process("lazy", decodeFrame(t, frames[0]))
	require.NoError(t, err)
	_, err = r.Process("swept", decodeFrame(t, frames[0]))
	require.NoError(t, err)

	testClock.SetTime(testClock.Now().Add(cfg.MaxAge + time.Second))

	_, err = r.Process("lazy", decodeFrame(t, frames[1]))
	require.ErrorIs(t, err, ErrSegmentIncomplete)

	require.Equal(t, 1, r.Sweep())
	require.Zero(t, r.Pending())
}

// TestReassemblyTooLarge asserts announcements above the cap are refused.
func TestReassemblyTooLarge(t *testing.T) {
	t.Parallel()

	cfg := DefaultReassemblyConfig()
	cfg.MaxBytes = 1000
	r := NewReassembler(cfg)

	_, err := r.Process("peer", &SegmentStart{
		TotalLen: 1001,
		Chunk:    []byte{1, 2, 3},
	})
	require.ErrorIs(t, err, ErrSegmentTooLarge)
	require.Zero(t, r.Pending())
}

// TestReassemblyRejectsNested asserts a reassembled payload may not itself
// be a segmentation frame.
func TestReassemblyRejectsNested(t *testing.T) {
	t.Parallel()

	inner, err := EncodeMessage(&SegmentChunk{Seq: 1, Chunk: []byte{1}})
	require.NoError(t, err)

	r := NewReassembler(DefaultReassemblyConfig())
	_, err = r.Process("peer", &SegmentStart{
		TotalLen: uint32(len(inner)),
		Chunk:    inner,
	})
	require.ErrorIs(t, err, ErrReservedType)
}

func testAccept(t *testing.T) *AcceptDlc {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return &AcceptDlc{
		ProtocolVersion:  1,
		AcceptCollateral: 50_000,
		FundingPubKey:    priv.PubKey(),
		PayoutSPK:        []byte{0x00, 0x14, 0x01},
		PayoutSerialID:   7,
		FundingInputs: []FundingInput{{
			InputSerialID: 3,
			PrevTx:        []byte{0x02, 0x00},
			Sequence:      0xfffffffd,
			MaxWitnessLen: 107,
		}},
		ChangeSPK:      []byte{0x00, 0x14, 0x02},
		ChangeSerialID: 9,
		CetAdaptorSigs: []AdaptorSig{{1}, {2}},
		RefundSig:      Sig{3},
	}
}

// segmentedFrames returns the frames of a reject that needs exactly
// numFrames frames at the minimum ceiling.
func segmentedFrames(t *testing.T, numFrames int) [][]byte {
	t.Helper()

	codec, err := NewCodec(MinFrameCeiling)
	require.NoError(t, err)

	reject := &Reject{ContractID: ContractID{0xaa}}
	for reasonLen := 0; ; reasonLen++ {
		reject.Reason = string(bytes.Repeat([]byte{'x'}, reasonLen))

		frames, err := codec.Encode(reject)
		require.NoError(t, err)

		if len(frames) == numFrames {
			return frames
		}
		require.Less(t, len(frames), numFrames)
	}
}

func decodeFrame(t *testing.T, frame []byte) Message {
	t.Helper()

	msg, err := DecodeMessage(frame)
	require.NoError(t, err)

	return msg
}
