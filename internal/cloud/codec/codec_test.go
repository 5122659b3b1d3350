package codec

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestFullRequestRoundTrip(t *testing.T) {
	payload := []byte(`{"audio":{"format":"pcm","rate":16000}}`)
	frame := EncodeFullRequest(payload)

	if frame[0] != headerMagic {
		t.Fatalf("frame[0]=%#x, want %#x", frame[0], headerMagic)
	}
	if frame[1] != MsgTypeFullRequest<<4|FlagNone {
		t.Fatalf("frame[1]=%#x, want %#x", frame[1], MsgTypeFullRequest<<4|FlagNone)
	}
	if frame[2] != SerializationJSON<<4|CompressionDeflate {
		t.Fatalf("frame[2]=%#x, want %#x", frame[2], SerializationJSON<<4|CompressionDeflate)
	}
	if frame[3] != headerReserved {
		t.Fatalf("frame[3]=%#x, want %#x", frame[3], headerReserved)
	}

	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if msg.Type != MsgTypeFullRequest {
		t.Fatalf("Decode type=%#x, want %#x", msg.Type, MsgTypeFullRequest)
	}
	if string(msg.Payload) != string(payload) {
		t.Fatalf("Decode payload=%q, want %q", msg.Payload, payload)
	}
}

func TestAudioChunkRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	frame := EncodeAudioChunk(7, payload, false)

	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if msg.Type != MsgTypeContentOnly {
		t.Fatalf("Decode type=%#x, want %#x", msg.Type, MsgTypeContentOnly)
	}
	if msg.Flags != FlagSequence {
		t.Fatalf("Decode flags=%#x, want %#x", msg.Flags, FlagSequence)
	}
	if msg.Sequence != 7 {
		t.Fatalf("Decode sequence=%d, want 7", msg.Sequence)
	}
	if msg.IsLast {
		t.Fatal("Decode is_last=true, want false")
	}
	if string(msg.Payload) != string(payload) {
		t.Fatalf("Decode payload=%v, want %v", msg.Payload, payload)
	}
}

func TestFinalAudioChunkOmitsSequence(t *testing.T) {
	frame := EncodeAudioChunk(42, []byte{0xAA}, true)

	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if msg.Flags != FlagLast {
		t.Fatalf("Decode flags=%#x, want %#x", msg.Flags, FlagLast)
	}
	if msg.Sequence != 0 {
		t.Fatalf("Decode sequence=%d, want 0", msg.Sequence)
	}
	if !msg.IsLast {
		t.Fatal("Decode is_last=false, want true")
	}
	if len(msg.Payload) != 0 {
		t.Fatalf("Decode payload=%v, want empty", msg.Payload)
	}
}

func TestTextChunkRoundTrip(t *testing.T) {
	frame := EncodeTextChunk("hello device")

	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if !msg.IsLast {
		t.Fatal("Decode is_last=false, want true")
	}
	if string(msg.Payload) != "hello device" {
		t.Fatalf("Decode payload=%q, want %q", msg.Payload, "hello device")
	}
}

func TestDecodeServerResponseSkipsSequence(t *testing.T) {
	payload := compress([]byte(`{"result":[{"text":"hi"}]}`))
	frame := []byte{headerMagic, MsgTypeResponse<<4 | FlagSequence, SerializationJSON<<4 | CompressionDeflate, headerReserved}
	frame = binary.BigEndian.AppendUint32(frame, 3)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)

	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if msg.Sequence != 3 {
		t.Fatalf("Decode sequence=%d, want 3", msg.Sequence)
	}
	if msg.IsLast {
		t.Fatal("Decode is_last=true, want false")
	}
	if string(msg.Payload) != `{"result":[{"text":"hi"}]}` {
		t.Fatalf("Decode payload=%q", msg.Payload)
	}
}

func TestDecodeServerResponseLastFlags(t *testing.T) {
	tests := []struct {
		flags byte
		want  bool
	}{
		{flags: FlagNone, want: false},
		{flags: FlagSequence, want: false},
		{flags: FlagLast, want: true},
		{flags: FlagSequenceLast, want: true},
	}
	for _, tt := range tests {
		payload := compress([]byte("x"))
		frame := []byte{headerMagic, MsgTypeResponse<<4 | tt.flags, CompressionDeflate, headerReserved}
		if tt.flags == FlagSequence || tt.flags == FlagSequenceLast {
			frame = binary.BigEndian.AppendUint32(frame, 1)
		}
		frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
		frame = append(frame, payload...)

		msg, err := Decode(frame)
		if err != nil {
			t.Fatalf("Decode(flags=%#x) returned error: %v", tt.flags, err)
		}
		if msg.IsLast != tt.want {
			t.Fatalf("Decode(flags=%#x) is_last=%v, want %v", tt.flags, msg.IsLast, tt.want)
		}
	}
}

func TestDecodeServerError(t *testing.T) {
	text := "rate limited"
	frame := []byte{headerMagic, MsgTypeError << 4, SerializationRaw<<4 | CompressionNone, headerReserved}
	frame = binary.BigEndian.AppendUint32(frame, 45000081)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(text)))
	frame = append(frame, text...)

	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if msg.ErrorCode != 45000081 {
		t.Fatalf("Decode error_code=%d, want 45000081", msg.ErrorCode)
	}
	if msg.ErrorText != text {
		t.Fatalf("Decode error_text=%q, want %q", msg.ErrorText, text)
	}
}

func TestDecodeMalformedInput(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{name: "empty", frame: nil},
		{name: "short header", frame: []byte{headerMagic, 0x91}},
		{name: "unknown type", frame: []byte{headerMagic, 0x50, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}},
		{name: "truncated error", frame: []byte{headerMagic, 0xF0, 0x00, 0x00, 0x01}},
		{name: "oversized length", frame: func() []byte {
			frame := []byte{headerMagic, MsgTypeResponse << 4, CompressionNone, headerReserved}
			return binary.BigEndian.AppendUint32(frame, 1000)
		}()},
		{name: "bad deflate stream", frame: func() []byte {
			frame := []byte{headerMagic, MsgTypeResponse << 4, CompressionDeflate, headerReserved}
			frame = binary.BigEndian.AppendUint32(frame, 4)
			return append(frame, 0xDE, 0xAD, 0xBE, 0xEF)
		}()},
	}
	for _, tt := range tests {
		if _, err := Decode(tt.frame); err == nil {
			t.Fatalf("Decode(%s) error=nil, want non-nil", tt.name)
		}
	}
}

func TestNextSequence(t *testing.T) {
	tests := []struct {
		in   uint32
		want uint32
	}{
		{in: 1, want: 2},
		{in: 41, want: 42},
		{in: math.MaxUint32 - 1, want: math.MaxUint32},
		{in: math.MaxUint32, want: 1},
	}
	for _, tt := range tests {
		if got := NextSequence(tt.in); got != tt.want {
			t.Fatalf("NextSequence(%d)=%d, want %d", tt.in, got, tt.want)
		}
	}
}
