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

// Package asm models extended-BPF (eBPF) instructions in the kernel's
// 8-byte wire encoding: one opcode byte, one byte packing the destination
// register (low nibble) and source register (high nibble), a little-endian
// signed 16-bit offset and a little-endian signed 32-bit immediate.
package asm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

type Reg int

const (
	// R0 holds return values and is the implicit ALU destination for
	// programs translated from classic BPF.
	R0 Reg = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	// R10 is the read-only frame pointer provided by the BPF VM.
	R10
)

type OpCode uint8

// Instruction classes, bits [0:3) of the opcode.
const (
	ClassLd    OpCode = 0x00
	ClassLdx   OpCode = 0x01
	ClassSt    OpCode = 0x02
	ClassStx   OpCode = 0x03
	ClassAlu   OpCode = 0x04
	ClassJmp   OpCode = 0x05
	ClassJmp32 OpCode = 0x06
	ClassAlu64 OpCode = 0x07
)

// Memory access widths, bits [3:5) of load/store opcodes.
const (
	MemOpSize32 OpCode = 0x00
	MemOpSize16 OpCode = 0x08
	MemOpSize8  OpCode = 0x10
	MemOpSize64 OpCode = 0x18
)

// Addressing modes, bits [5:8) of load/store opcodes.
const (
	MemOpModeImm OpCode = 0x00
	MemOpModeAbs OpCode = 0x20
	MemOpModeInd OpCode = 0x40
	MemOpModeMem OpCode = 0x60
)

// Operand source, bit 3 of ALU and jump opcodes.
const (
	SrcImm OpCode = 0x00
	SrcReg OpCode = 0x08
)

// Jump conditions, bits [4:8) of jump opcodes.
const (
	JumpOpA   OpCode = 0x00
	JumpOpEq  OpCode = 0x10
	JumpOpGT  OpCode = 0x20
	JumpOpGE  OpCode = 0x30
	JumpOpSet OpCode = 0x40
	JumpOpNE  OpCode = 0x50
	JumpOpLT  OpCode = 0xa0
	JumpOpLE  OpCode = 0xb0
)

// ALU operations, bits [4:8) of ALU opcodes.
const (
	AluOpAdd OpCode = 0x00
	AluOpSub OpCode = 0x10
	AluOpMul OpCode = 0x20
	AluOpDiv OpCode = 0x30
	AluOpOr  OpCode = 0x40
	AluOpAnd OpCode = 0x50
	AluOpLsh OpCode = 0x60
	AluOpRsh OpCode = 0x70
	AluOpNeg OpCode = 0x80
	AluOpMod OpCode = 0x90
	AluOpXor OpCode = 0xa0
	AluOpMov OpCode = 0xb0
)

// Composed opcodes for the instructions we emit and assert on.
const (
	Mov64    OpCode = ClassAlu64 | AluOpMov | SrcReg // 0xbf
	MovImm64 OpCode = ClassAlu64 | AluOpMov | SrcImm // 0xb7
	Mov32    OpCode = ClassAlu | AluOpMov | SrcReg   // 0xbc
	MovImm32 OpCode = ClassAlu | AluOpMov | SrcImm   // 0xb4

	Add32    OpCode = ClassAlu | AluOpAdd | SrcReg
	AddImm32 OpCode = ClassAlu | AluOpAdd | SrcImm
	Sub32    OpCode = ClassAlu | AluOpSub | SrcReg
	SubImm32 OpCode = ClassAlu | AluOpSub | SrcImm
	Mul32    OpCode = ClassAlu | AluOpMul | SrcReg
	MulImm32 OpCode = ClassAlu | AluOpMul | SrcImm
	Div32    OpCode = ClassAlu | AluOpDiv | SrcReg
	DivImm32 OpCode = ClassAlu | AluOpDiv | SrcImm
	Or32     OpCode = ClassAlu | AluOpOr | SrcReg
	OrImm32  OpCode = ClassAlu | AluOpOr | SrcImm
	And32    OpCode = ClassAlu | AluOpAnd | SrcReg
	AndImm32 OpCode = ClassAlu | AluOpAnd | SrcImm
	Lsh32    OpCode = ClassAlu | AluOpLsh | SrcReg
	LshImm32 OpCode = ClassAlu | AluOpLsh | SrcImm
	Rsh32    OpCode = ClassAlu | AluOpRsh | SrcReg
	RshImm32 OpCode = ClassAlu | AluOpRsh | SrcImm
	Xor32    OpCode = ClassAlu | AluOpXor | SrcReg
	XorImm32 OpCode = ClassAlu | AluOpXor | SrcImm
	Neg32    OpCode = ClassAlu | AluOpNeg // 0x84

	Load64 OpCode = ClassLdx | MemOpModeMem | MemOpSize64 // 0x79
	Load32 OpCode = ClassLdx | MemOpModeMem | MemOpSize32 // 0x61
	Load16 OpCode = ClassLdx | MemOpModeMem | MemOpSize16 // 0x69
	Load8  OpCode = ClassLdx | MemOpModeMem | MemOpSize8  // 0x71

	Store64 OpCode = ClassStx | MemOpModeMem | MemOpSize64 // 0x7b
	Store32 OpCode = ClassStx | MemOpModeMem | MemOpSize32 // 0x63

	JumpA     OpCode = ClassJmp | JumpOpA // 0x05
	JumpEq32  OpCode = ClassJmp32 | JumpOpEq | SrcImm
	JumpNE32  OpCode = ClassJmp32 | JumpOpNE | SrcImm
	JumpGT32  OpCode = ClassJmp32 | JumpOpGT | SrcImm
	JumpGE32  OpCode = ClassJmp32 | JumpOpGE | SrcImm
	JumpLT32  OpCode = ClassJmp32 | JumpOpLT | SrcImm
	JumpLE32  OpCode = ClassJmp32 | JumpOpLE | SrcImm
	JumpSet32 OpCode = ClassJmp32 | JumpOpSet | SrcImm

	Call OpCode = 0x85
	Exit OpCode = 0x95
)

// InstructionSize is the size of an eBPF instruction on the wire.
const InstructionSize = 8

// Insn is a single instruction in the kernel's binary encoding.
type Insn struct {
	Instruction [InstructionSize]uint8 `json:"instruction"`
}

type Insns []Insn

func MakeInsn(op OpCode, dst, src Reg, offset int16, imm int32) Insn {
	insn := Insn{}
	insn.Instruction[0] = uint8(op)
	insn.Instruction[1] = uint8(dst&0xf) | uint8(src&0xf)<<4
	binary.LittleEndian.PutUint16(insn.Instruction[2:4], uint16(offset))
	binary.LittleEndian.PutUint32(insn.Instruction[4:8], uint32(imm))
	return insn
}

func (n Insn) OpCode() OpCode {
	return OpCode(n.Instruction[0])
}

func (n Insn) Dst() Reg {
	return Reg(n.Instruction[1] & 0xf)
}

func (n Insn) Src() Reg {
	return Reg(n.Instruction[1] >> 4)
}

func (n Insn) Off() int16 {
	return int16(binary.LittleEndian.Uint16(n.Instruction[2:4]))
}

func (n Insn) Imm() int32 {
	return int32(binary.LittleEndian.Uint32(n.Instruction[4:8]))
}

// SetOff overwrites the jump offset in place.  Used to patch forward jumps
// once their target's final position is known.
func (n *Insn) SetOff(offset int16) {
	binary.LittleEndian.PutUint16(n.Instruction[2:4], uint16(offset))
}

func (n Insn) String() string {
	name, ok := opCodeNames[n.OpCode()]
	if !ok {
		name = fmt.Sprintf("op(%#02x)", uint8(n.OpCode()))
	}
	return fmt.Sprintf("%-10s dst=r%d src=r%d off=%d imm=%#x",
		name, n.Dst(), n.Src(), n.Off(), n.Imm())
}

var opCodeNames = map[OpCode]string{
	Mov64:     "Mov64",
	MovImm64:  "MovImm64",
	Mov32:     "Mov32",
	MovImm32:  "MovImm32",
	Neg32:     "Neg32",
	Load64:    "Load64",
	Load32:    "Load32",
	Load16:    "Load16",
	Load8:     "Load8",
	Store64:   "Store64",
	Store32:   "Store32",
	JumpA:     "JumpA",
	JumpEq32:  "JumpEq32",
	JumpNE32:  "JumpNE32",
	JumpGT32:  "JumpGT32",
	JumpGE32:  "JumpGE32",
	JumpLT32:  "JumpLT32",
	JumpLE32:  "JumpLE32",
	JumpSet32: "JumpSet32",
	Call:      "Call",
	Exit:      "Exit",
}

// AsBytes returns the program in the binary form understood by the BPF VM.
func (ns Insns) AsBytes() []byte {
	buf := make([]byte, 0, len(ns)*InstructionSize)
	for _, n := range ns {
		buf = append(buf, n.Instruction[:]...)
	}
	return buf
}

// InsnsFromBytes parses a binary program back into instructions.
func InsnsFromBytes(buf []byte) (Insns, error) {
	if len(buf) == 0 || len(buf)%InstructionSize != 0 {
		return nil, fmt.Errorf("byte stream of %d bytes is not a whole number of instructions", len(buf))
	}
	insns := make(Insns, 0, len(buf)/InstructionSize)
	for i := 0; i < len(buf); i += InstructionSize {
		insn := Insn{}
		copy(insn.Instruction[:], buf[i:i+InstructionSize])
		insns = append(insns, insn)
	}
	return insns, nil
}

func (ns Insns) String() string {
	var sb strings.Builder
	for i, n := range ns {
		fmt.Fprintf(&sb, "%3d: %v\n", i, n)
	}
	return sb.String()
}
