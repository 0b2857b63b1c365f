package utils

import (
	"unsafe"
)

// ContiguousObjectArray is a funky way to replicate arbitrary arrays with header and footer parameters
type ContiguousObjectArray struct {
	HeaderSize int
	FooterSize int
	ObjectSize int

	Arena []byte
}

// ContiguousObjectArraySize is the number of bytes needed for n objects of
// type T wrapped by a header HT and footer FT.
func ContiguousObjectArraySize[T any, HT any, FT any](n int) int {
	var v T
	var vh HT
	var vf FT

	return n*int(unsafe.Sizeof(v)) + int(unsafe.Sizeof(vh)) + int(unsafe.Sizeof(vf))
}

// NewContiguousObjectArrayOver lays the array over an existing arena, such
// as a DMA stream shared with a device.
func NewContiguousObjectArrayOver[T any, HT any, FT any](arena []byte) ContiguousObjectArray {
	var v T
	var vh HT
	var vf FT

	return ContiguousObjectArray{
		HeaderSize: int(unsafe.Sizeof(vh)),
		FooterSize: int(unsafe.Sizeof(vf)),
		ObjectSize: int(unsafe.Sizeof(v)),
		Arena:      arena,
	}
}

// Len returns the number of objects in the array.
func (c ContiguousObjectArray) Len() int {
	if c.ObjectSize == 0 {
		return 0
	}
	return (len(c.Arena) - c.HeaderSize - c.FooterSize) / c.ObjectSize
}

func (c ContiguousObjectArray) DataPointer() uintptr {
	return uintptr(unsafe.Add(unsafe.Pointer(unsafe.SliceData(c.Arena)), c.HeaderSize))
}

func ContiguousObjectArrayAsSlice[T any](c ContiguousObjectArray) []T {
	return unsafe.Slice(ContiguousObjectArrayItem[T](c, 0), c.Len())
}

func ContiguousObjectArrayHeader[T any](c ContiguousObjectArray) *T {
	return (*T)(unsafe.Pointer(unsafe.SliceData(c.Arena)))
}

func ContiguousObjectArrayFooter[T any](c ContiguousObjectArray) *T {
	footerOffset := c.HeaderSize + c.Len()*c.ObjectSize
	return (*T)(unsafe.Add(unsafe.Pointer(unsafe.SliceData(c.Arena)), footerOffset))
}

func ContiguousObjectArrayItem[T any](c ContiguousObjectArray, nth int) *T {
	offset := c.HeaderSize + (nth * c.ObjectSize)
	return (*T)(unsafe.Add(unsafe.Pointer(unsafe.SliceData(c.Arena)), offset))
}
