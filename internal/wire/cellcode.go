package wire

// CellAxisMax is the largest coordinate a cell code can carry per axis.
const CellAxisMax = 1<<10 - 1

// EncodeCell interleaves the low 10 bits of x, y and z into a 30-bit Morton
// code with x in bit 0.
func EncodeCell(x, y, z uint32) uint32 {
	return spread10(x) | spread10(y)<<1 | spread10(z)<<2
}

// DecodeCell inverts EncodeCell.
func DecodeCell(code uint32) (x, y, z uint32) {
	return compact10(code), compact10(code >> 1), compact10(code >> 2)
}

func spread10(v uint32) uint32 {
	v &= CellAxisMax
	v = (v | v<<16) & 0x030000FF
	v = (v | v<<8) & 0x0300F00F
	v = (v | v<<4) & 0x030C30C3
	v = (v | v<<2) & 0x09249249
	return v
}

func compact10(v uint32) uint32 {
	v &= 0x09249249
	v = (v ^ v>>2) & 0x030C30C3
	v = (v ^ v>>4) & 0x0300F00F
	v = (v ^ v>>8) & 0x030000FF
	v = (v ^ v>>16) & CellAxisMax
	return v
}
