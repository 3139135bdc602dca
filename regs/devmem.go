package regs

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
)

const MEM_FILE = "/dev/mem"

// DevMem is a Port over a physical address window mapped from /dev/mem. Addresses passed to
// Read32/Write32 are physical; touching anything outside the window panics.
type DevMem struct {
	base uint32
	size uint32
	buf  mmap.MMap
	offs uintptr
}

// OpenDevMem maps size bytes of physical memory starting at base.
func OpenDevMem(base uint32, size int) (*DevMem, error) {
	buf, offs, err := mapMem(uintptr(base), size)
	if err != nil {
		return nil, err
	}
	return &DevMem{
		base: base,
		size: uint32(size),
		buf:  buf,
		offs: offs,
	}, nil
}

// mapMem opens /dev/mem and uses mmap to map a given physical address into our address space.
// Since the mapping has to start at a page boundary, the physical address is rounded down to the
// nearest page boundary. mapMem returns the mapped memory and the offset that should be used to
// access it (=physAddr%pagesize).
func mapMem(physAddr uintptr, size int) (mmap.MMap, uintptr, error) {
	f, err := os.OpenFile(MEM_FILE, os.O_RDWR|os.O_SYNC, os.ModePerm)
	if err != nil {
		return nil, 0, fmt.Errorf("couldn't open %s: %w", MEM_FILE, err)
	}
	defer f.Close() // The mapping survives the close

	mapAddr, size := pageAlign(physAddr, size, uintptr(os.Getpagesize()))
	log.Printf("MapRegion(f, %d, RDWR, 0, %08X), physAddr %08X\n", size, int64(mapAddr), physAddr)
	mm, err := mmap.MapRegion(f, size, mmap.RDWR, 0, int64(mapAddr))
	if err != nil {
		return nil, 0, fmt.Errorf("couldn't map region (%08X, %v): %w", physAddr, size, err)
	}
	return mm, physAddr - mapAddr, nil
}

// pageAlign rounds physAddr down to a page boundary and grows size to still cover the same end.
func pageAlign(physAddr uintptr, size int, pageSize uintptr) (uintptr, int) {
	mapAddr := physAddr &^ (pageSize - 1)
	return mapAddr, size + int(physAddr-mapAddr)
}

func (d *DevMem) word(addr uint32) *uint32 {
	if addr < d.base || addr-d.base+4 > d.size || addr&3 != 0 {
		panic(fmt.Sprintf("register %08X outside mapped window %08X+%X", addr, d.base, d.size))
	}
	return (*uint32)(unsafe.Pointer(&d.buf[d.offs+uintptr(addr-d.base)]))
}

func (d *DevMem) Read32(addr uint32) uint32 {
	return atomic.LoadUint32(d.word(addr))
}

func (d *DevMem) Write32(addr uint32, v uint32) {
	atomic.StoreUint32(d.word(addr), v)
}

// Close unmaps the window. The DevMem must not be used afterwards.
func (d *DevMem) Close() error {
	if d.buf == nil {
		return nil
	}
	err := d.buf.Unmap()
	d.buf = nil
	return err
}
