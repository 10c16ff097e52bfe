// Package entry implements the on-flash record format: the 4-byte entry
// header, its five-state NAND-friendly lattice, the MODBUS CRC-16
// trailer, and alignment-aware sizing. It mirrors the role wal.go plays
// in the teacher repository — a small, self-contained codec the rest of
// the engine builds on — but targets fixed 4-byte packed headers instead
// of a variable CRC32-prefixed WAL record.
package entry

import (
	"encoding/binary"
	"fmt"

	"github.com/go-restruct/restruct"
)

// State is the entry's 16-bit lifecycle field. Every legal transition
// only clears bits, which is what lets a NOR part reprogram a state cell
// in place without an intervening erase.
type State uint16

const (
	StateErased  State = 0xFFFF // fresh flash, implicit end-of-log marker
	StateWriting State = 0xFFFE // header placed, payload being written
	StateValid   State = 0xFFFC // payload complete and CRC written
	StatePreDel  State = 0xFFF8 // superseded by a newer write in progress
	StateDeleted State = 0x0000 // no longer visible
)

func (s State) String() string {
	switch s {
	case StateErased:
		return "ERASED"
	case StateWriting:
		return "WRITING"
	case StateValid:
		return "VALID"
	case StatePreDel:
		return "PRE_DEL"
	case StateDeleted:
		return "DELETED"
	default:
		return fmt.Sprintf("STATE(0x%04X)", uint16(s))
	}
}

// CanTransition reports whether programming a state cell currently
// holding s with the bit pattern of next is legal on NOR flash: next
// must be a bitwise subset of s, i.e. every bit set in next is already
// set in s. It is only this bit-subset check; IsTransitionAllowed
// additionally consults the Transitions table, so a state change the
// engine never performs fails loud instead of silently corrupting flash.
func (s State) CanTransition(next State) bool {
	return uint16(s)&uint16(next) == uint16(next)
}

// Transitions enumerates every state change the engine ever performs.
// It exists so call sites can assert "this is a transition I meant to
// make" instead of relying solely on the bit-subset check, which would
// also (harmlessly, but confusingly) accept transitions nobody asked
// for, such as VALID -> DELETED directly.
var Transitions = map[State][]State{
	StateErased:  {StateWriting, StateDeleted}, // scan-heal path: ERASED found mid-log is never programmed, but a fresh entry starts here
	StateWriting: {StateValid, StateDeleted},    // promote on successful write, or heal a crash-interrupted one
	StateValid:   {StatePreDel},                 // superseded by a newer version's write beginning
	StatePreDel:  {StateDeleted},                // retired once the newer version reached VALID
	StateDeleted: nil,                           // terminal
}

// IsTransitionAllowed checks both the bit-subset rule and that the
// transition appears in the enumerated table.
func IsTransitionAllowed(from, to State) bool {
	if !from.CanTransition(to) {
		return false
	}
	for _, allowed := range Transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

const (
	// HeaderSize is the on-flash size of the fixed entry header.
	HeaderSize = 4
	// CRCSize is the size of the trailing MODBUS CRC-16.
	CRCSize = 2
	// MaxKeyLen is the longest a KV key may be (TLV records use key_len == 0).
	MaxKeyLen = 15
	// MaxValueLen is the longest a value may be; bounded by the uint8 val_len field.
	MaxValueLen = 255
)

// Header is the 4-byte fixed portion of every entry: state, key length,
// value length. The variable-length key/value payload and CRC trailer
// follow it on flash but are handled separately by Encode/Decode, since
// their size depends on these fields.
type Header struct {
	State  State `struct:"uint16"`
	KeyLen uint8
	ValLen uint8
}

// pack serializes the header with restruct. State is a named type over
// uint16; the struct tag spells out its wire width explicitly rather
// than relying on restruct inferring it from the underlying kind.
func (h Header) pack() ([]byte, error) {
	return restruct.Pack(binary.LittleEndian, &h)
}

func unpackHeader(buf []byte) (Header, error) {
	var h Header
	if err := restruct.Unpack(buf, binary.LittleEndian, &h); err != nil {
		return Header{}, fmt.Errorf("entry: unpack header: %w", err)
	}
	return h, nil
}

// rawSize returns the total on-flash footprint of an entry with this
// header's key/value lengths, before alignment padding.
func (h Header) rawSize() uint32 {
	return HeaderSize + uint32(h.KeyLen) + uint32(h.ValLen) + CRCSize
}

// AlignedSize returns the total on-flash footprint of an entry with this
// header's key/value lengths, rounded up to align.
func (h Header) AlignedSize(align uint8) uint32 {
	a := uint32(align)
	return (h.rawSize() + a - 1) &^ (a - 1)
}

// MaxAlignedSize is the largest any single entry can ever be: a full-size
// key, a full-size value, the header, the CRC, rounded up to align.
func MaxAlignedSize(align uint8) uint32 {
	h := Header{KeyLen: MaxKeyLen, ValLen: MaxValueLen}
	return h.AlignedSize(align)
}

// Record is a fully decoded entry: its header, key, and value.
type Record struct {
	Header Header
	Key    []byte
	Value  []byte
}

// Encode serializes key/value at state StateWriting into a single
// alignment-padded buffer ready to be Program'd in one call. The CRC
// covers key ∥ value, matching the read path's verification in §4.4.
func Encode(key, value []byte, align uint8) ([]byte, error) {
	if len(key) > MaxKeyLen && len(key) != 0 {
		return nil, fmt.Errorf("entry: key length %d exceeds max %d", len(key), MaxKeyLen)
	}
	if len(value) > MaxValueLen {
		return nil, fmt.Errorf("entry: value length %d exceeds max %d", len(value), MaxValueLen)
	}

	h := Header{State: StateWriting, KeyLen: uint8(len(key)), ValLen: uint8(len(value))}
	size := h.AlignedSize(align)

	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 0xFF
	}

	hdrBytes, err := h.pack()
	if err != nil {
		return nil, fmt.Errorf("entry: pack header: %w", err)
	}
	copy(buf, hdrBytes)
	copy(buf[HeaderSize:], key)
	copy(buf[HeaderSize+len(key):], value)

	crc := CRC16(append(append([]byte{}, key...), value...))
	binary.LittleEndian.PutUint16(buf[HeaderSize+len(key)+len(value):], crc)

	return buf, nil
}

// DecodeHeader reads just the fixed header at the front of buf (which
// must be at least HeaderSize bytes).
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("entry: short header buffer (%d bytes)", len(buf))
	}
	return unpackHeader(buf[:HeaderSize])
}

// DecodeRecord fully decodes a Record, given a buffer already sized to
// at least the header's reported (unaligned) size. It does not check
// the CRC; callers that need CRC verification should call VerifyCRC
// explicitly (§4.4 step 3 makes this conditional on a verify-on-read
// setting).
func DecodeRecord(h Header, buf []byte) (Record, error) {
	need := int(h.KeyLen) + int(h.ValLen) + CRCSize
	if len(buf) < need {
		return Record{}, fmt.Errorf("entry: short payload buffer (need %d, got %d)", need, len(buf))
	}
	rec := Record{
		Header: h,
		Key:    append([]byte(nil), buf[:h.KeyLen]...),
		Value:  append([]byte(nil), buf[h.KeyLen:int(h.KeyLen)+int(h.ValLen)]...),
	}
	return rec, nil
}

// VerifyCRC recomputes the MODBUS CRC-16 over key ∥ value and compares
// it against the trailing stored CRC in buf (which must start right
// after the header and contain key_len+val_len+2 bytes).
func VerifyCRC(h Header, buf []byte) bool {
	need := int(h.KeyLen) + int(h.ValLen) + CRCSize
	if len(buf) < need {
		return false
	}
	data := buf[:int(h.KeyLen)+int(h.ValLen)]
	stored := binary.LittleEndian.Uint16(buf[int(h.KeyLen)+int(h.ValLen):])
	return CRC16(data) == stored
}

// CRC16 computes the MODBUS CRC-16 of data: polynomial 0xA001 (the bit-
// reflected form of 0x8005), initial value 0xFFFF, no final XOR,
// processed LSB-first one byte at a time. Neither the Go standard
// library (which only has CRC-32 and CRC-64) nor anything in the
// reference corpus implements this exact variant, so it is spelled out
// directly rather than reached for a library — see DESIGN.md.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
