// Copyright (c) 2025 The sockfilter Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cbpf decodes classic BPF (cBPF) instructions, the 2-register
// format consumed by socket filters and seccomp(2).  An instruction is the
// kernel's 8-byte sock_filter record: opcode:u16, jt:u8, jf:u8, k:u32.
// golang.org/x/net/bpf's RawInstruction is exactly that record, so we use it
// as the instruction type rather than minting our own.
package cbpf

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/net/bpf"
)

// Instruction classes.
const (
	ClassLd   uint16 = 0x00
	ClassLdx  uint16 = 0x01
	ClassSt   uint16 = 0x02
	ClassStx  uint16 = 0x03
	ClassAlu  uint16 = 0x04
	ClassJmp  uint16 = 0x05
	ClassRet  uint16 = 0x06
	ClassMisc uint16 = 0x07
)

// Load/store widths.
const (
	SizeW uint16 = 0x00 // 32-bit
	SizeH uint16 = 0x08 // 16-bit
	SizeB uint16 = 0x10 // 8-bit
)

// Load addressing modes.
const (
	ModeImm uint16 = 0x00
	ModeAbs uint16 = 0x20
	ModeInd uint16 = 0x40
	ModeMem uint16 = 0x60
	ModeLen uint16 = 0x80
	ModeMsh uint16 = 0xa0
)

// ALU operations.
const (
	OpAdd uint16 = 0x00
	OpSub uint16 = 0x10
	OpMul uint16 = 0x20
	OpDiv uint16 = 0x30
	OpOr  uint16 = 0x40
	OpAnd uint16 = 0x50
	OpLsh uint16 = 0x60
	OpRsh uint16 = 0x70
	OpNeg uint16 = 0x80
	OpMod uint16 = 0x90
	OpXor uint16 = 0xa0
)

// Jump conditions.  Classic BPF has no negated conditions; those exist only
// in eBPF.
const (
	OpJa   uint16 = 0x00
	OpJeq  uint16 = 0x10
	OpJgt  uint16 = 0x20
	OpJge  uint16 = 0x30
	OpJset uint16 = 0x40
)

// Misc operations.
const (
	OpTax uint16 = 0x00
	OpTxa uint16 = 0x80
)

// Second-operand sources.
const (
	SrcK uint16 = 0x00
	SrcX uint16 = 0x08
)

// Return-value sources for RET.
const (
	RValK uint16 = 0x00
	RValA uint16 = 0x10
)

// Class returns the instruction type (load/store/jump/ALU/...), bits [0:3)
// of the opcode.
func Class(code uint16) uint16 {
	return code & 0x07
}

// Size returns the access width of a load or store, bits [3:5).
func Size(code uint16) uint16 {
	return code & 0x18
}

// Mode returns the addressing mode of a load, bits [5:8).
func Mode(code uint16) uint16 {
	return code & 0xe0
}

// Op returns the operation modifier, bits [4:8): the arithmetic op for ALU
// instructions, the condition for jumps, the sub-op for misc.
func Op(code uint16) uint16 {
	return code & 0xf0
}

// Src returns whether the second operand is the immediate K or register X,
// bit 3.
func Src(code uint16) uint16 {
	return code & 0x08
}

// RVal is like Src but also admits A; used for RET.
func RVal(code uint16) uint16 {
	return code & 0x18
}

// InstructionSize is the size of a sock_filter record on the wire.
const InstructionSize = 8

// Program is an ordered classic BPF program.  Jump targets are instruction
// indices into this slice.
type Program []bpf.RawInstruction

// AsBytes returns the program as a contiguous array of little-endian
// sock_filter records.
func (p Program) AsBytes() []byte {
	buf := make([]byte, 0, len(p)*InstructionSize)
	var rec [InstructionSize]byte
	for _, insn := range p {
		binary.LittleEndian.PutUint16(rec[0:2], insn.Op)
		rec[2] = insn.Jt
		rec[3] = insn.Jf
		binary.LittleEndian.PutUint32(rec[4:8], insn.K)
		buf = append(buf, rec[:]...)
	}
	return buf
}

// ProgramFromBytes parses a contiguous array of sock_filter records.
func ProgramFromBytes(buf []byte) (Program, error) {
	if len(buf) == 0 || len(buf)%InstructionSize != 0 {
		return nil, fmt.Errorf("byte stream of %d bytes is not a whole number of sock_filter records", len(buf))
	}
	prog := make(Program, 0, len(buf)/InstructionSize)
	for i := 0; i < len(buf); i += InstructionSize {
		prog = append(prog, bpf.RawInstruction{
			Op: binary.LittleEndian.Uint16(buf[i : i+2]),
			Jt: buf[i+2],
			Jf: buf[i+3],
			K:  binary.LittleEndian.Uint32(buf[i+4 : i+8]),
		})
	}
	return prog, nil
}

func (p Program) String() string {
	decoded, _ := bpf.Disassemble(p)
	var sb strings.Builder
	for i, insn := range decoded {
		fmt.Fprintf(&sb, "%3d: %v\n", i, insn)
	}
	return sb.String()
}
