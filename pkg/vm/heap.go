package vm

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Heap record layout. The buffer starts with a 4-byte count of record
// bytes in use, followed by records of {int16 length, int16 reserved,
// data}. A positive length is a live string, a negative length a hole, and
// heapSentinel terminates the list. Lengths include the NUL and are even.
const (
	heapUsedSize   = 4
	heapRecordHead = 4
	heapSentinel   = 0x8000

	// A hole whose leftover after a split would be this small or smaller
	// is handed out whole.
	heapSplitMin = 4

	maxHeapString = 0x7FFE
)

// StringHeap is a program's dynamic string allocator. Offsets handed out
// by Intern point at the record header, and the string itself lives four
// bytes past the used-length prefix plus the offset.
type StringHeap struct {
	buf []byte
}

func (h *StringHeap) used() int {
	return int(binary.LittleEndian.Uint32(h.buf))
}

func (h *StringHeap) setUsed(n int) {
	binary.LittleEndian.PutUint32(h.buf, uint32(n))
}

func (h *StringHeap) recLen(pos int) int16 {
	return int16(binary.LittleEndian.Uint16(h.buf[pos:]))
}

func (h *StringHeap) setRec(pos int, length int16) {
	binary.LittleEndian.PutUint16(h.buf[pos:], uint16(length))
	binary.LittleEndian.PutUint16(h.buf[pos+2:], 0)
}

func (h *StringHeap) isSentinel(pos int) bool {
	return binary.LittleEndian.Uint16(h.buf[pos:]) == heapSentinel
}

func (h *StringHeap) init() {
	h.buf = make([]byte, heapUsedSize+heapRecordHead)
	h.setUsed(0)
	binary.LittleEndian.PutUint16(h.buf[4:], heapSentinel)
	binary.LittleEndian.PutUint16(h.buf[6:], 1)
}

// Intern stores s and returns its offset. A live record with identical
// contents is shared; otherwise the first hole that is strictly larger
// than needed is reused, and failing that the heap grows.
func (h *StringHeap) Intern(s string) (int32, error) {
	need := len(s) + 1
	if need&1 != 0 {
		need++
	}
	if need > maxHeapString {
		return 0, fmt.Errorf("%w: string of %d bytes", ErrHeapCorrupt, len(s))
	}

	if h.buf == nil {
		h.init()
	} else {
		pos := heapUsedSize
		for !h.isSentinel(pos) {
			n := int(h.recLen(pos))
			if n >= 0 {
				if n == need && h.cstring(pos+heapRecordHead) == s {
					return int32(pos - heapUsedSize), nil
				}
			} else {
				n = -n
				if n > need {
					if n-need <= heapSplitMin {
						h.setRec(pos, int16(n))
					} else {
						h.setRec(pos+heapRecordHead+need, int16(-(n - need - heapRecordHead)))
						h.setRec(pos, int16(need))
					}
					h.writeData(pos, need, s)
					return int32(pos - heapUsedSize), nil
				}
			}
			pos += n + heapRecordHead
			if pos+heapRecordHead > len(h.buf) {
				return 0, fmt.Errorf("%w: record walk ran past %d", ErrHeapCorrupt, pos)
			}
		}
	}

	pos := heapUsedSize + h.used()
	if pos+heapRecordHead > len(h.buf) || !h.isSentinel(pos) {
		return 0, fmt.Errorf("%w: sentinel missing at %d", ErrHeapCorrupt, pos)
	}

	grown := make([]byte, heapUsedSize+h.used()+heapRecordHead+need+heapRecordHead)
	copy(grown, h.buf[:pos])
	h.buf = grown

	h.setUsed(h.used() + need + heapRecordHead)
	h.setRec(pos, int16(need))
	h.writeData(pos, need, s)

	end := pos + heapRecordHead + need
	binary.LittleEndian.PutUint16(h.buf[end:], heapSentinel)
	binary.LittleEndian.PutUint16(h.buf[end+2:], 1)

	return int32(pos - heapUsedSize), nil
}

func (h *StringHeap) writeData(pos, need int, s string) {
	data := h.buf[pos+heapRecordHead : pos+heapRecordHead+need]
	n := copy(data, s)
	for i := n; i < need; i++ {
		data[i] = 0
	}
}

func (h *StringHeap) cstring(pos int) string {
	b := h.buf[pos:]
	if n := bytes.IndexByte(b, 0); n >= 0 {
		b = b[:n]
	}
	return string(b)
}

// Get returns the string at off.
func (h *StringHeap) Get(off int32) (string, error) {
	pos := heapUsedSize + int(off) + heapRecordHead
	if h.buf == nil || off < 0 || pos >= len(h.buf) {
		return "", fmt.Errorf("%w: dynamic string offset %d", ErrTypeMismatch, off)
	}
	return h.cstring(pos), nil
}

// Used returns the number of record bytes, live and free.
func (h *StringHeap) Used() int {
	if h.buf == nil {
		return 0
	}
	return h.used()
}

// Live returns the number of live strings.
func (h *StringHeap) Live() int {
	count := 0
	h.walk(func(pos int, n int16) bool {
		if n >= 0 {
			count++
		}
		return true
	})
	return count
}

// walk visits every record until fn returns false.
func (h *StringHeap) walk(fn func(pos int, n int16) bool) {
	if h.buf == nil {
		return
	}
	pos := heapUsedSize
	for pos+heapRecordHead <= len(h.buf) && !h.isSentinel(pos) {
		if !fn(pos, h.recLen(pos)) {
			return
		}
		size := int(h.recLen(pos))
		if size < 0 {
			size = -size
		}
		pos += size + heapRecordHead
	}
}

// Sweep frees every live record whose offset is not in keep, merges
// adjacent holes and trims trailing holes. It returns the bytes released.
func (h *StringHeap) Sweep(keep map[int32]bool) int {
	if h.buf == nil {
		return 0
	}
	before := h.used()

	h.walk(func(pos int, n int16) bool {
		if n > 0 && !keep[int32(pos-heapUsedSize)] {
			h.setRec(pos, -n)
		}
		return true
	})

	// Merge runs of holes.
	h.walk(func(pos int, n int16) bool {
		if n >= 0 {
			return true
		}
		size := int(-n)
		for {
			next := pos + heapRecordHead + size
			if next+heapRecordHead > len(h.buf) || h.isSentinel(next) {
				break
			}
			m := h.recLen(next)
			if m >= 0 || size+heapRecordHead+int(-m) > maxHeapString {
				break
			}
			size += heapRecordHead + int(-m)
		}
		h.setRec(pos, int16(-size))
		return true
	})

	// Drop a trailing hole by moving the sentinel down over it.
	last := -1
	h.walk(func(pos int, n int16) bool {
		last = pos
		return true
	})
	if last >= 0 && h.recLen(last) < 0 {
		binary.LittleEndian.PutUint16(h.buf[last:], heapSentinel)
		binary.LittleEndian.PutUint16(h.buf[last+2:], 1)
		h.setUsed(last - heapUsedSize)
		h.buf = h.buf[:last+heapRecordHead]
	}

	return before - h.used()
}

// Bytes returns the raw heap buffer, nil if nothing was ever interned.
func (h *StringHeap) Bytes() []byte {
	return h.buf
}

// Restore replaces the heap with a saved buffer.
func (h *StringHeap) Restore(b []byte) {
	if len(b) == 0 {
		h.buf = nil
		return
	}
	h.buf = append([]byte(nil), b...)
}
