// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements the TRDP frame wire format: header layout, padding and the
// header CRC. Payload content is opaque to this package.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"

	"github.com/davecgh/go-spew/spew"
)

// DebugDump gates DumpFrame's output: noisy per-frame struct dumps stay
// off unless explicitly asked for via the environment.
var DebugDump = os.Getenv("TRDP_DEBUG_DUMP") != ""

// DumpFrame renders res for diagnostic logging when DebugDump is set.
func DumpFrame(res *CheckResult) string {
	return spew.Sdump(res)
}

// MsgType is the two-byte ASCII message type carried in every frame header.
type MsgType uint16

const (
	MsgTypePD MsgType = 0x5064 // "Pd" process data
	MsgTypePP MsgType = 0x5070 // "Pp" process data, PULL reply
	MsgTypePR MsgType = 0x5072 // "Pr" PULL request
	MsgTypePE MsgType = 0x5065 // "Pe" process data error
	MsgTypeMN MsgType = 0x4D6E // "Mn" notification
	MsgTypeMR MsgType = 0x4D72 // "Mr" request
	MsgTypeMP MsgType = 0x4D70 // "Mp" reply, no confirm
	MsgTypeMQ MsgType = 0x4D71 // "Mq" reply, confirm required
	MsgTypeMC MsgType = 0x4D63 // "Mc" confirm
	MsgTypeME MsgType = 0x4D65 // "Me" error reply
)

func (t MsgType) String() string {
	switch t {
	case MsgTypePD:
		return "Pd"
	case MsgTypePP:
		return "Pp"
	case MsgTypePR:
		return "Pr"
	case MsgTypePE:
		return "Pe"
	case MsgTypeMN:
		return "Mn"
	case MsgTypeMR:
		return "Mr"
	case MsgTypeMP:
		return "Mp"
	case MsgTypeMQ:
		return "Mq"
	case MsgTypeMC:
		return "Mc"
	case MsgTypeME:
		return "Me"
	default:
		return "??"
	}
}

func (t MsgType) IsMD() bool {
	switch t {
	case MsgTypeMN, MsgTypeMR, MsgTypeMP, MsgTypeMQ, MsgTypeMC, MsgTypeME:
		return true
	default:
		return false
	}
}

func (t MsgType) Valid() bool {
	switch t {
	case MsgTypePD, MsgTypePP, MsgTypePR, MsgTypePE,
		MsgTypeMN, MsgTypeMR, MsgTypeMP, MsgTypeMQ, MsgTypeMC, MsgTypeME:
		return true
	default:
		return false
	}
}

// crcSize is the width of the header CRC that follows the serialized
// header fields and precedes the payload on every frame, PD or MD.
const crcSize = 4

const (
	// ProtocolVersionMajor is the compiled-in major protocol version. Only
	// this byte participates in the compatibility check on receive.
	ProtocolVersionMajor uint8 = 1

	// HeaderSize is the size of the fixed PD header fields, not counting
	// the header CRC (which follows these fields, ahead of the payload).
	HeaderSize = 36
	// MDHeaderSize is the size of the fixed MD header fields (PD header
	// plus reply status, session id, reply timeout and source/destination
	// URIs), not counting the header CRC.
	MDHeaderSize = HeaderSize + 4 + 16 + 4 + 32 + 32

	// MinHeaderSize is the smallest legal frame: a PD header with a
	// zero-length payload plus its CRC trailer.
	MinHeaderSize = HeaderSize + crcSize
	// MaxDataSize bounds a single PD payload so it fits one Ethernet
	// frame; this is the reference implementation's limit, not a hard
	// protocol ceiling.
	MaxDataSize  = 1432
	MaxFrameSize = MDHeaderSize + MaxDataSize + 3 /* worst-case pad */ + crcSize
)

var (
	ErrTooSmall    = errors.New("wire: frame smaller than minimum header size")
	ErrTooLarge    = errors.New("wire: frame larger than maximum frame size")
	ErrBadCRC      = errors.New("wire: header CRC mismatch")
	ErrBadVersion  = errors.New("wire: incompatible protocol version")
	ErrBadDataLen  = errors.New("wire: dataset length exceeds maximum")
	ErrBadMsgType  = errors.New("wire: unknown message type")
	ErrShortBuffer = errors.New("wire: buffer too short for declared header")
)

// crcTable implements the FCS-32 (IEEE 802.3, reflected) polynomial used by
// the frame header CRC: 0xEDB88320, initial 0xFFFFFFFF, no final XOR,
// stored little-endian regardless of host byte order.
var crcTable = crc32.MakeTable(0xEDB88320)

// HeaderCRC computes the header checksum over b: IEEE 802.3 polynomial,
// seeded with 0xFFFFFFFF, no final XOR, returned ready to store
// little-endian. crc32.Update itself seeds with ^0=0xFFFFFFFF and applies
// a final complement to produce the conventional (XOR'd) CRC-32; undoing
// that complement yields the raw register value the wire format wants.
func HeaderCRC(b []byte) uint32 {
	return ^crc32.Update(0, crcTable, b)
}

// Pad4 returns the number of zero padding bytes needed to bring n up to a
// 4-byte boundary.
func Pad4(n int) int {
	return (4 - (n % 4)) % 4
}

// PacketSize returns the gross on-wire size of a PD frame carrying n bytes
// of payload: header + 4-byte header CRC + padded payload.
func PacketSize(n int) int {
	return HeaderSize + n + Pad4(n) + crcSize
}

// MDPacketSize returns the gross on-wire size of an MD frame carrying n
// bytes of payload.
func MDPacketSize(n int) int {
	return MDHeaderSize + n + Pad4(n) + crcSize
}

// Header is the fixed PD frame header, laid out exactly as it appears on
// the wire (network byte order, i.e. big-endian). The header CRC itself is
// not a struct field: it is a separate little-endian uint32 that follows
// the serialized header fields and precedes the payload.
type Header struct {
	SequenceCounter uint32
	ProtocolVersion uint16
	MsgType         uint16
	ComID           uint32
	ETBTopoCnt      uint32
	OpTrnTopoCnt    uint32
	DatasetLength   uint32
	Reserved        uint32
	ReplyComID      uint32
	ReplyIPAddr     uint32
}

// MDHeader extends Header with the session/transaction fields carried only
// on MD frames.
type MDHeader struct {
	Header
	ReplyStatus  uint32
	SessionID    [16]byte
	ReplyTimeout uint32
	SourceURI    [32]byte
	DestURI      [32]byte
}

// InitHeader fills the fixed header fields for a new frame, leaving the
// sequence counter and dataset length to be set by the caller (the
// sequence counter when it's known, the length by Build/BuildMD).
func InitHeader(h *Header, msgType MsgType, comID, etbTopoCnt, opTrnTopoCnt, pullReplyComID, pullReplyIP uint32) {
	*h = Header{
		ProtocolVersion: uint16(ProtocolVersionMajor) << 8,
		MsgType:         uint16(msgType),
		ComID:           comID,
		ETBTopoCnt:      etbTopoCnt,
		OpTrnTopoCnt:    opTrnTopoCnt,
		ReplyComID:      pullReplyComID,
		ReplyIPAddr:     pullReplyIP,
	}
}

// Build serializes header h, its CRC (computed over the header fields
// only), then payload data zero-padded to
// a 4-byte boundary, and returns the assembled frame. Callers set
// h.SequenceCounter themselves before calling Build; see pdengine.
func Build(h Header, data []byte) ([]byte, error) {
	if len(data) > MaxDataSize {
		return nil, ErrBadDataLen
	}
	h.DatasetLength = uint32(len(data))

	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.BigEndian, &h); err != nil {
		return nil, err
	}

	sum := HeaderCRC(buf.Bytes())
	crc := make([]byte, 4)
	binary.LittleEndian.PutUint32(crc, sum)
	buf.Write(crc)

	buf.Write(data)
	pad := Pad4(len(data))
	if pad > 0 {
		buf.Write(make([]byte, pad))
	}
	return buf.Bytes(), nil
}

// BuildMD is the MD equivalent of Build.
func BuildMD(h MDHeader, data []byte) ([]byte, error) {
	if len(data) > MaxDataSize {
		return nil, ErrBadDataLen
	}
	h.DatasetLength = uint32(len(data))

	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.BigEndian, &h.Header); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, &h.ReplyStatus); err != nil {
		return nil, err
	}
	buf.Write(h.SessionID[:])
	if err := binary.Write(buf, binary.BigEndian, &h.ReplyTimeout); err != nil {
		return nil, err
	}
	buf.Write(h.SourceURI[:])
	buf.Write(h.DestURI[:])

	sum := HeaderCRC(buf.Bytes())
	crc := make([]byte, 4)
	binary.LittleEndian.PutUint32(crc, sum)
	buf.Write(crc)

	buf.Write(data)
	pad := Pad4(len(data))
	if pad > 0 {
		buf.Write(make([]byte, pad))
	}
	return buf.Bytes(), nil
}

// CheckResult is the outcome of validating a received frame.
type CheckResult struct {
	Header  Header
	MD      *MDHeader
	Payload []byte
}

// Check validates a raw received frame: overall size bounds, header CRC,
// protocol major version, dataset length and message type. It does not
// interpret ComID, topocount or session-level fields -- that is the
// caller's job (pdengine/mdengine). The CRC protects only the serialized
// header fields (PD or MD), not the payload: it is read from the 4 bytes
// immediately following the header, not from the tail of the buffer.
func Check(buf []byte) (*CheckResult, error) {
	if len(buf) < MinHeaderSize {
		return nil, ErrTooSmall
	}
	if len(buf) > MaxFrameSize {
		return nil, ErrTooLarge
	}

	r := bytes.NewReader(buf)
	var h Header
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return nil, ErrShortBuffer
	}

	mt := MsgType(h.MsgType)
	isMD := mt.IsMD()

	var mdh MDHeader
	if isMD {
		mdh.Header = h
		if err := binary.Read(r, binary.BigEndian, &mdh.ReplyStatus); err != nil {
			return nil, ErrShortBuffer
		}
		if _, err := io.ReadFull(r, mdh.SessionID[:]); err != nil {
			return nil, ErrShortBuffer
		}
		if err := binary.Read(r, binary.BigEndian, &mdh.ReplyTimeout); err != nil {
			return nil, ErrShortBuffer
		}
		if _, err := io.ReadFull(r, mdh.SourceURI[:]); err != nil {
			return nil, ErrShortBuffer
		}
		if _, err := io.ReadFull(r, mdh.DestURI[:]); err != nil {
			return nil, ErrShortBuffer
		}
	}

	// r sits right after the serialized header (PD or MD) at this point;
	// the CRC trailer follows immediately, then the payload.
	hdrLen := len(buf) - r.Len()
	if hdrLen+crcSize > len(buf) {
		return nil, ErrShortBuffer
	}
	want := binary.LittleEndian.Uint32(buf[hdrLen : hdrLen+crcSize])
	if got := HeaderCRC(buf[:hdrLen]); got != want {
		return nil, ErrBadCRC
	}

	if uint8(h.ProtocolVersion>>8) != ProtocolVersionMajor {
		return nil, ErrBadVersion
	}
	if h.DatasetLength > MaxDataSize {
		return nil, ErrBadDataLen
	}
	if !mt.Valid() {
		return nil, ErrBadMsgType
	}

	payloadStart := hdrLen + crcSize
	if payloadStart+int(h.DatasetLength) > len(buf) {
		return nil, ErrShortBuffer
	}

	res := &CheckResult{Header: h, Payload: buf[payloadStart : payloadStart+int(h.DatasetLength)]}
	if isMD {
		res.MD = &mdh
	}
	return res, nil
}

// datasetLengthOffset is the byte offset of Header.DatasetLength within the
// serialized header: sequence counter, protocol version, msg type, comId,
// etbTopoCnt and opTrnTopoCnt each precede it (4+2+2+4+4+4).
const datasetLengthOffset = 20

// ReadMDFrame reads one length-framed MD message from a streaming TCP
// connection and returns the raw bytes, ready for Check. Unlike PD over
// UDP, a TCP byte stream carries no datagram boundary, so the dataset
// length embedded in the MD header itself is used to size the read: the
// fixed MDHeaderSize header plus its trailing CRC are read first, the
// length is picked out of the header, and exactly that many payload bytes
// plus padding are read to complete the frame.
func ReadMDFrame(r io.Reader) ([]byte, error) {
	hdr := make([]byte, MDHeaderSize+crcSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}

	dataLen := binary.BigEndian.Uint32(hdr[datasetLengthOffset : datasetLengthOffset+4])
	if dataLen > MaxDataSize {
		return nil, ErrBadDataLen
	}

	rest := make([]byte, int(dataLen)+Pad4(int(dataLen)))
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	frame := make([]byte, 0, len(hdr)+len(rest))
	frame = append(frame, hdr...)
	frame = append(frame, rest...)
	return frame, nil
}
