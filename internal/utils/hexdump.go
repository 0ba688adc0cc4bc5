package utils

import (
	"fmt"
	"strings"

	"github.com/blacktop/vproxy/internal/colors"
)

func toChar(b byte) byte {
	if b < 32 || b > 126 {
		return '.'
	}
	return b
}

// HexDump returns a string that contains a hex dump of the given data. The format
// of the hex dump matches the output of `hexdump -C` on the command line.
func HexDump(data []byte, vaddr uint64) string {
	return HexDiff(data, data, vaddr)
}

// HexDiff dumps after like HexDump, highlighting the bytes that differ from before.
func HexDiff(before, after []byte, vaddr uint64) string {
	var sb strings.Builder
	sb.Grow((1 + len(after)/16) * 88)

	for off := 0; off < len(after); off += 16 {
		end := min(off+16, len(after))
		sb.WriteString(colors.Address().Sprintf("%016x", vaddr+uint64(off)))
		sb.WriteString("  ")
		for i := off; i < off+16; i++ {
			if i == off+8 {
				sb.WriteByte(' ')
			}
			if i >= end {
				sb.WriteString("   ")
				continue
			}
			b := fmt.Sprintf("%02x", after[i])
			switch {
			case i >= len(before) || before[i] != after[i]:
				b = colors.Hooked().Sprint(b)
			case after[i] == 0:
				b = colors.Faint().Sprint(b)
			}
			sb.WriteString(b)
			sb.WriteByte(' ')
		}
		sb.WriteString(" |")
		for _, c := range after[off:end] {
			sb.WriteByte(toChar(c))
		}
		sb.WriteString("|\n")
	}
	return sb.String()
}
