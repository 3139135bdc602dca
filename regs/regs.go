// Package regs provides 32-bit register access ports: an mmap'd /dev/mem window for running on
// the target, an in-memory simulation with an access trace for tests, and a U-Boot console bridge
// for boards that are only reachable over a serial line.
package regs

// Port is the only way the rest of the module touches hardware. Accesses are assumed to be
// strongly ordered with respect to the device they address.
type Port interface {
	Read32(addr uint32) uint32
	Write32(addr uint32, v uint32)
}

// Faulter is implemented by ports whose link can fail, like Console. Err returns the first
// failure; every access after it is meaningless.
type Faulter interface {
	Err() error
}

// PortErr returns p's link failure, or nil for ports that can't fail.
func PortErr(p Port) error {
	if f, ok := p.(Faulter); ok {
		return f.Err()
	}
	return nil
}

// Field describes a bit-field inside a 32-bit register word.
type Field struct {
	Shift uint
	Width uint
}

func (f Field) Mask() uint32 {
	return ((1 << f.Width) - 1) << f.Shift
}

// Get extracts the field from a register word.
func (f Field) Get(word uint32) uint32 {
	return (word & f.Mask()) >> f.Shift
}

// Set returns word with the field replaced by val. Bits of val beyond the field width are dropped.
func (f Field) Set(word uint32, val uint32) uint32 {
	return (word &^ f.Mask()) | ((val << f.Shift) & f.Mask())
}

// Fits reports whether val can be stored in the field without truncation.
func (f Field) Fits(val uint32) bool {
	return val < (1 << f.Width)
}

// Modify does a read-modify-write of addr, replacing the bits in mask with bits.
func Modify(p Port, addr uint32, mask uint32, bits uint32) {
	v := p.Read32(addr)
	v &^= mask
	v |= bits & mask
	p.Write32(addr, v)
}
