package bztree

import (
	"fmt"
)

const (
	headerSize  = 32 // node header at the start of every block
	metaSize    = 8  // one record metadata word
	payloadSize = 8  // leaf payload
	childSize   = 8  // internal child word
	wordUnit    = 8  // sizes in the status word are counted in 8-byte units
)

// pad8 rounds n up to a multiple of 8.
func pad8(n int) int {
	return (n + 7) &^ 7
}

// leafRecordSize is the block space a leaf record occupies, metadata excluded.
func leafRecordSize(keyLen int) int {
	return pad8(keyLen) + payloadSize
}

// status is the node status word:
//
//	[63]     frozen
//	[49..62] record count
//	[35..48] deleted count
//	[17..33] block size, 8-byte units
//	[0..16]  delete size, 8-byte units
//
// Once frozen is set no update to the node's status or metadata words can
// succeed, because every such update names the status word as a target.
type status uint64

const (
	statusFrozen = uint64(1) << 63

	statusCountShift   = 49
	statusCountMask    = 0x3FFF
	statusDeletedShift = 35
	statusDeletedMask  = 0x3FFF
	statusBlockShift   = 17
	statusBlockMask    = 0x1FFFF
	statusDelSizeShift = 0
	statusDelSizeMask  = 0x1FFFF

	// maxSlots bounds the slots of any node by the width of the count fields.
	maxSlots = statusCountMask
)

func makeStatus(count, blockBytes int) status {
	return status(uint64(count)<<statusCountShift |
		uint64(blockBytes/wordUnit)<<statusBlockShift)
}

func (s status) frozen() bool { return uint64(s)&statusFrozen != 0 }

func (s status) recordCount() int {
	return int(uint64(s) >> statusCountShift & statusCountMask)
}

func (s status) deletedCount() int {
	return int(uint64(s) >> statusDeletedShift & statusDeletedMask)
}

func (s status) blockSize() int {
	return int(uint64(s)>>statusBlockShift&statusBlockMask) * wordUnit
}

func (s status) deleteSize() int {
	return int(uint64(s)>>statusDelSizeShift&statusDelSizeMask) * wordUnit
}

func (s status) freeze() status {
	return s | status(statusFrozen)
}

// withRecord accounts for one more reserved record of recordBytes.
func (s status) withRecord(recordBytes int) status {
	return status(uint64(s) + 1<<statusCountShift + uint64(recordBytes/wordUnit)<<statusBlockShift)
}

// withDelete accounts for one more deleted record of recordBytes.
func (s status) withDelete(recordBytes int) status {
	return status(uint64(s) + 1<<statusDeletedShift + uint64(recordBytes/wordUnit)<<statusDelSizeShift)
}

func (s status) String() string {
	return fmt.Sprintf("frozen=%t records=%d deleted=%d block=%d delete=%d",
		s.frozen(), s.recordCount(), s.deletedCount(), s.blockSize(), s.deleteSize())
}

// recordMeta is one slot's metadata word:
//
//	[63]     visible
//	[62]     deleted
//	[61]     reserved, space claimed but not yet visible
//	[32..60] offset of the record in the node's data area
//	[16..31] key length
//	[0..15]  total record length
//
// A slot moves unused -> reserved -> visible -> deleted, or reserved -> deleted
// when its owner backs out. It never returns to an earlier state.
type recordMeta uint64

const (
	metaVisible  = uint64(1) << 63
	metaDeleted  = uint64(1) << 62
	metaReserved = uint64(1) << 61

	metaOffsetShift = 32
	metaOffsetMask  = 0x1FFFFFFF
	metaKeyShift    = 16
	metaKeyMask     = 0xFFFF
	metaTotalMask   = 0xFFFF
)

func makeMeta(state uint64, offset, keyLen, total int) recordMeta {
	return recordMeta(state |
		uint64(offset)<<metaOffsetShift |
		uint64(keyLen)<<metaKeyShift |
		uint64(total))
}

func (m recordMeta) unused() bool   { return m == 0 }
func (m recordMeta) visible() bool  { return uint64(m)&metaVisible != 0 }
func (m recordMeta) deleted() bool  { return uint64(m)&metaDeleted != 0 }
func (m recordMeta) reserved() bool { return uint64(m)&metaReserved != 0 }

// hasKey reports whether the slot's key bytes are fully written.
func (m recordMeta) hasKey() bool { return m.visible() || m.deleted() }

func (m recordMeta) offset() int { return int(uint64(m) >> metaOffsetShift & metaOffsetMask) }
func (m recordMeta) keyLen() int { return int(uint64(m) >> metaKeyShift & metaKeyMask) }
func (m recordMeta) total() int  { return int(uint64(m) & metaTotalMask) }

func (m recordMeta) asVisible() recordMeta {
	return recordMeta(uint64(m)&^(metaReserved|metaDeleted) | metaVisible)
}

func (m recordMeta) asDeleted() recordMeta {
	return recordMeta(uint64(m)&^(metaReserved|metaVisible) | metaDeleted)
}

func (m recordMeta) state() string {
	switch {
	case m.unused():
		return "unused"
	case m.visible():
		return "visible"
	case m.deleted():
		return "deleted"
	case m.reserved():
		return "reserved"
	}
	return "invalid"
}
