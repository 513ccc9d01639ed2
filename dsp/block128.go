//go:build dsp_block128

package dsp

const (
	BlockSize  = 128
	BlockShift = BlockSize / 4
)
