// Package frame decodes raw transport frames into fixed-width sample rows.
//
// All functions operate on detached byte slices and keep no reference to the
// connection that produced them.
package frame

// Int24BE sign-extends a 24-bit big-endian two's-complement value from b[0:3].
func Int24BE(b []byte) int32 {
	_ = b[2]
	v := int32(b[0])<<16 | int32(b[1])<<8 | int32(b[2])
	if v&0x800000 != 0 {
		v |= ^int32(0xFFFFFF)
	}
	return v
}

// Int16BE sign-extends a 16-bit big-endian two's-complement value from b[0:2].
func Int16BE(b []byte) int32 {
	_ = b[1]
	return int32(int16(uint16(b[0])<<8 | uint16(b[1])))
}

// BitAt returns bit i of b counting MSB-first across the slice.
func BitAt(b []byte, i int) uint32 {
	return uint32(b[i/8]>>(7-uint(i%8))) & 1
}

// GanglionBits reads a width-bit field starting at bit offset start (MSB-first) and
// sign-extends it using the Ganglion compression convention: the field's least
// significant bit carries the sign, and when set every bit above width is filled
// with ones.
func GanglionBits(b []byte, start, width int) int32 {
	var v uint32
	for i := 0; i < width; i++ {
		v = v<<1 | BitAt(b, start+i)
	}
	if v&1 != 0 {
		v |= ^uint32(0) << uint(width)
	}
	return int32(v)
}
