// Package shellcode builds small machine code sequences injected at a
// program's entrypoint.
package shellcode

import (
	"encoding/binary"
	"fmt"
	"runtime"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Supported architectures, named as GOARCH.
const (
	AMD64 = "amd64"
	ARM64 = "arm64"
)

// Native returns the architecture of the running host.
func Native() string {
	return runtime.GOARCH
}

// Exit returns code that calls exit(code) directly through the kernel.
func Exit(arch string, code int) ([]byte, error) {
	if code < 0 || code > 255 {
		return nil, fmt.Errorf("exit code %d out of range", code)
	}
	switch arch {
	case AMD64:
		// mov edi, code; mov eax, 60; syscall
		buf := []byte{0xbf, 0, 0, 0, 0, 0xb8, 0x3c, 0x00, 0x00, 0x00, 0x0f, 0x05}
		binary.LittleEndian.PutUint32(buf[1:], uint32(code))
		return buf, nil
	case ARM64:
		// movz x0, #code; mov x8, #93; svc #0
		buf := make([]byte, 0, 12)
		buf = binary.LittleEndian.AppendUint32(buf, 0xd2800000|uint32(code)<<5)
		buf = binary.LittleEndian.AppendUint32(buf, 0xd2800ba8)
		buf = binary.LittleEndian.AppendUint32(buf, 0xd4000001)
		return buf, nil
	default:
		return nil, fmt.Errorf("unsupported architecture %q", arch)
	}
}

// Disassemble renders code located at pc as GNU syntax, one instruction per
// line. Undecodable bytes are rendered as ".byte".
func Disassemble(arch string, code []byte, pc uint64) []string {
	var lines []string
	for off := 0; off < len(code); {
		var text string
		size := 1
		switch arch {
		case AMD64:
			inst, err := x86asm.Decode(code[off:], 64)
			if err == nil {
				text = x86asm.GNUSyntax(inst, pc+uint64(off), nil)
				size = inst.Len
			}
		case ARM64:
			size = 4
			if off+4 > len(code) {
				size = len(code) - off
				break
			}
			inst, err := arm64asm.Decode(code[off : off+4])
			if err == nil {
				text = arm64asm.GNUSyntax(inst)
			}
		}
		if text == "" {
			text = fmt.Sprintf(".byte %#x", code[off:off+size])
		}
		lines = append(lines, fmt.Sprintf("%#x: %s", pc+uint64(off), text))
		off += size
	}
	return lines
}
