package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// Wire layout: a fixed 4-byte header, an optional 4-byte big-endian sequence
// field, then a 4-byte big-endian payload length and the payload itself.
// Payloads travel zlib-compressed unless the compression nibble says raw.
const (
	headerMagic    = 0x11
	headerReserved = 0x00
	headerSize     = 4

	// MsgTypeFullRequest carries the JSON session configuration.
	MsgTypeFullRequest = 0x1
	// MsgTypeContentOnly carries raw audio or raw text content.
	MsgTypeContentOnly = 0x2
	// MsgTypeResponse is a server response with payload.
	MsgTypeResponse = 0x9
	// MsgTypeError is a server-reported error.
	MsgTypeError = 0xF

	// FlagNone marks a frame with no sequence and no terminal meaning.
	FlagNone = 0x0
	// FlagSequence marks a non-final content frame carrying a sequence field.
	FlagSequence = 0x1
	// FlagLast marks the final frame of a session.
	FlagLast = 0x2
	// FlagSequenceLast marks a final frame that still carries a sequence field.
	FlagSequenceLast = 0x3

	// SerializationRaw means the payload is opaque bytes.
	SerializationRaw = 0x0
	// SerializationJSON means the payload is a JSON document.
	SerializationJSON = 0x1

	// CompressionNone means the payload is not compressed.
	CompressionNone = 0x0
	// CompressionDeflate means the payload is zlib-compressed.
	CompressionDeflate = 0x1
)

var (
	// ErrFrameTooShort reports a frame shorter than its declared fields.
	ErrFrameTooShort = errors.New("cloud frame too short")
	// ErrUnknownMessageType reports a message type the decoder does not handle.
	ErrUnknownMessageType = errors.New("cloud frame unknown message type")
	// ErrInvalidPayloadSize reports a length field exceeding the frame.
	ErrInvalidPayloadSize = errors.New("cloud frame invalid payload size")
)

// Message is one decoded wire frame.
type Message struct {
	Type      byte
	Flags     byte
	Sequence  uint32
	Payload   []byte
	IsLast    bool
	ErrorCode uint32
	ErrorText string
}

// NextSequence advances a per-session sequence counter. Counters start at 1
// and wrap back to 1 at 2^32-1.
func NextSequence(seq uint32) uint32 {
	if seq >= math.MaxUint32 {
		return 1
	}
	return seq + 1
}

// EncodeFullRequest builds a full client request frame around a JSON payload.
func EncodeFullRequest(payload []byte) []byte {
	compressed := compress(payload)
	frame := make([]byte, 0, headerSize+4+len(compressed))
	frame = appendHeader(frame, MsgTypeFullRequest, FlagNone, SerializationJSON, CompressionDeflate)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(compressed)))
	return append(frame, compressed...)
}

// EncodeAudioChunk builds a content-only audio frame. Non-final chunks carry
// the session sequence number; the final chunk omits it and carries an empty
// payload.
func EncodeAudioChunk(seq uint32, payload []byte, last bool) []byte {
	if last {
		compressed := compress(nil)
		frame := make([]byte, 0, headerSize+4+len(compressed))
		frame = appendHeader(frame, MsgTypeContentOnly, FlagLast, SerializationRaw, CompressionDeflate)
		frame = binary.BigEndian.AppendUint32(frame, uint32(len(compressed)))
		return append(frame, compressed...)
	}
	compressed := compress(payload)
	frame := make([]byte, 0, headerSize+8+len(compressed))
	frame = appendHeader(frame, MsgTypeContentOnly, FlagSequence, SerializationRaw, CompressionDeflate)
	frame = binary.BigEndian.AppendUint32(frame, seq)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(compressed)))
	return append(frame, compressed...)
}

// EncodeTextChunk builds the text companion frame sent right after a full
// request to form one combined synthesis message.
func EncodeTextChunk(text string) []byte {
	compressed := compress([]byte(text))
	frame := make([]byte, 0, headerSize+4+len(compressed))
	frame = appendHeader(frame, MsgTypeContentOnly, FlagLast, SerializationRaw, CompressionDeflate)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(compressed)))
	return append(frame, compressed...)
}

// Decode parses one frame. Malformed input yields an error so callers can
// log and drop it; Decode never panics on arbitrary bytes.
func Decode(frame []byte) (Message, error) {
	if len(frame) < headerSize {
		return Message{}, ErrFrameTooShort
	}
	msgType := frame[1] >> 4
	flags := frame[1] & 0x0F
	compression := frame[2] & 0x0F

	switch msgType {
	case MsgTypeError:
		return decodeError(frame, flags)
	case MsgTypeResponse, MsgTypeFullRequest, MsgTypeContentOnly:
		return decodePayload(frame, msgType, flags, compression)
	default:
		return Message{}, ErrUnknownMessageType
	}
}

func decodeError(frame []byte, flags byte) (Message, error) {
	if len(frame) < headerSize+8 {
		return Message{}, ErrFrameTooShort
	}
	code := binary.BigEndian.Uint32(frame[4:8])
	size := binary.BigEndian.Uint32(frame[8:12])
	if int(size) > len(frame)-12 {
		return Message{}, ErrInvalidPayloadSize
	}
	return Message{
		Type:      MsgTypeError,
		Flags:     flags,
		ErrorCode: code,
		ErrorText: string(frame[12 : 12+int(size)]),
	}, nil
}

func decodePayload(frame []byte, msgType byte, flags byte, compression byte) (Message, error) {
	offset := headerSize
	msg := Message{
		Type:   msgType,
		Flags:  flags,
		IsLast: flags == FlagLast || flags == FlagSequenceLast,
	}

	if flags == FlagSequence || flags == FlagSequenceLast {
		if len(frame) < offset+4 {
			return Message{}, ErrFrameTooShort
		}
		msg.Sequence = binary.BigEndian.Uint32(frame[offset : offset+4])
		offset += 4
	}

	if len(frame) < offset+4 {
		return Message{}, ErrFrameTooShort
	}
	size := binary.BigEndian.Uint32(frame[offset : offset+4])
	offset += 4
	if int(size) > len(frame)-offset {
		return Message{}, ErrInvalidPayloadSize
	}
	payload := frame[offset : offset+int(size)]

	if compression == CompressionDeflate {
		decompressed, err := decompress(payload)
		if err != nil {
			return Message{}, err
		}
		payload = decompressed
	}
	msg.Payload = payload
	return msg, nil
}

func appendHeader(frame []byte, msgType byte, flags byte, serialization byte, compression byte) []byte {
	return append(frame,
		headerMagic,
		msgType<<4|flags,
		serialization<<4|compression,
		headerReserved,
	)
}

func compress(payload []byte) []byte {
	var buf bytes.Buffer
	writer := zlib.NewWriter(&buf)
	_, _ = writer.Write(payload)
	_ = writer.Close()
	return buf.Bytes()
}

func decompress(payload []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
