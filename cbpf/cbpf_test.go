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

package cbpf

import (
	"testing"

	. "github.com/onsi/gomega"
	"golang.org/x/net/bpf"
)

func TestFieldAccessors(t *testing.T) {
	RegisterTestingT(t)

	// LD|ABS|H
	code := ClassLd | ModeAbs | SizeH
	Expect(Class(code)).To(Equal(ClassLd))
	Expect(Mode(code)).To(Equal(ModeAbs))
	Expect(Size(code)).To(Equal(SizeH))

	// ALU ADD with X operand.
	code = ClassAlu | OpAdd | SrcX
	Expect(Class(code)).To(Equal(ClassAlu))
	Expect(Op(code)).To(Equal(OpAdd))
	Expect(Src(code)).To(Equal(SrcX))

	// JGE against K.
	code = ClassJmp | OpJge
	Expect(Class(code)).To(Equal(ClassJmp))
	Expect(Op(code)).To(Equal(OpJge))
	Expect(Src(code)).To(Equal(SrcK))

	// RET A: the rval field overlaps the size bits, not the op bits.
	code = ClassRet | RValA
	Expect(Class(code)).To(Equal(ClassRet))
	Expect(RVal(code)).To(Equal(RValA))
	Expect(RVal(ClassRet | RValK)).To(Equal(RValK))

	// MISC TXA.
	code = ClassMisc | OpTxa
	Expect(Class(code)).To(Equal(ClassMisc))
	Expect(Op(code)).To(Equal(OpTxa))
}

func TestProgramBytesRoundTrip(t *testing.T) {
	RegisterTestingT(t)

	prog := Program{
		{Op: ClassLd | ModeAbs | SizeW, K: 4},
		{Op: ClassJmp | OpJeq, Jt: 0, Jf: 1, K: 0xc000003e},
		{Op: ClassRet | RValK, K: 0x7fff0000},
		{Op: ClassRet | RValK, K: 0},
	}

	buf := prog.AsBytes()
	Expect(buf).To(HaveLen(4 * InstructionSize))
	// Spot-check one record: opcode u16 LE, jt, jf, k u32 LE.
	Expect(buf[8:16]).To(Equal([]byte{0x15, 0x00, 0x00, 0x01, 0x3e, 0x00, 0x00, 0xc0}))

	parsed, err := ProgramFromBytes(buf)
	Expect(err).NotTo(HaveOccurred())
	Expect(parsed).To(Equal(prog))
}

func TestProgramFromBytesBadLength(t *testing.T) {
	RegisterTestingT(t)
	_, err := ProgramFromBytes(make([]byte, 12))
	Expect(err).To(HaveOccurred())
	_, err = ProgramFromBytes(nil)
	Expect(err).To(HaveOccurred())
}

func TestProgramFromAssembler(t *testing.T) {
	RegisterTestingT(t)

	// Programs built with the x/net/bpf assembler decode with our accessors.
	raw, err := bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 0, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 60, SkipTrue: 1},
		bpf.RetConstant{Val: 0},
		bpf.RetA{},
	})
	Expect(err).NotTo(HaveOccurred())

	prog := Program(raw)
	Expect(Class(prog[0].Op)).To(Equal(ClassLd))
	Expect(Mode(prog[0].Op)).To(Equal(ModeAbs))
	Expect(Class(prog[1].Op)).To(Equal(ClassJmp))
	Expect(Op(prog[1].Op)).To(Equal(OpJeq))
	Expect(Class(prog[2].Op)).To(Equal(ClassRet))
	Expect(RVal(prog[2].Op)).To(Equal(RValK))
	Expect(RVal(prog[3].Op)).To(Equal(RValA))
}
