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

// Package conv translates classic BPF programs into extended BPF.  It
// supports the subset of classic BPF permitted by seccomp(2); in particular
// the LEN and IND addressing modes are rejected.
//
// Translation is a single forward pass.  Forward jump targets are recorded
// in a patch table keyed by classic instruction index and resolved when the
// target instruction is reached, so the emitted jump lands on the first
// extended instruction the target expands to.
package conv

import (
	log "github.com/sirupsen/logrus"

	"github.com/seccompio/sockfilter/asm"
	"github.com/seccompio/sockfilter/cbpf"
)

// Classic BPF has two registers, A and X, plus 16 words of scratch memory.
// eBPF has ten.  The mapping is fixed for the whole program:
//
//	A       -> r0  (also the ALU destination and the return value)
//	X       -> r9
//	packet  -> r1  (base pointer for ABS loads; the VM passes it in)
//	scratch -> the top 64 bytes of the stack, below r10
const (
	regA     = asm.R0
	regX     = asm.R9
	regPkt   = asm.R1
	regStack = asm.R10
)

const (
	scratchSlots = 16
	wordSize     = 4
)

// scratchOffset maps a scratch slot to its stack offset relative to r10.
// Slot 0 lives at -64, slot 15 at -4.
func scratchOffset(slot uint32) (int16, error) {
	if slot >= scratchSlots {
		return 0, InvalidScratchOffsetError{Slot: slot}
	}
	return (int16(slot) - scratchSlots) * wordSize, nil
}

// Negated jump conditions: jumping only on the false branch becomes a
// single jump on the inverse condition.  JSET has no inverse in the
// instruction set, so it is absent here and always lowered long-form.
var jumpOpNegate = map[uint16]asm.OpCode{
	cbpf.OpJeq: asm.JumpOpNE,
	cbpf.OpJgt: asm.JumpOpLE,
	cbpf.OpJge: asm.JumpOpLT,
}

func loadOpForSize(size uint16) asm.OpCode {
	// Classic and extended BPF use the same width bits.
	return asm.ClassLdx | asm.MemOpModeMem | asm.OpCode(size)
}

// Translate rewrites a classic BPF program as an extended BPF program.  On
// any error no partial output is returned; the caller must reject the whole
// filter.
func Translate(prog cbpf.Program) (asm.Insns, error) {
	// Pending forward references: classic target index -> extended
	// instruction indices whose offset still needs patching.
	toPatch := map[int][]int{}

	// Most classic instructions expand to one extended instruction;
	// conditional jumps with both branches taken expand to two.
	out := make(asm.Insns, 0, len(prog)*2)

	for i, insn := range prog {
		// Patch earlier jumps that target this instruction.  The offset
		// counts instructions to skip, landing on whatever we emit next.
		for _, idx := range toPatch[i] {
			out[idx].SetOff(int16(len(out) - idx - 1))
		}
		delete(toPatch, i)

		// Queue the jump instruction at extended index src for patching
		// once classic index i+1+cbpfOffset is reached.
		prepPatch := func(cbpfOffset uint32, src int) error {
			target := uint64(i) + 1 + uint64(cbpfOffset)
			if target >= uint64(len(prog)) {
				return InvalidJumpOffsetError{Offset: cbpfOffset}
			}
			toPatch[int(target)] = append(toPatch[int(target)], src)
			return nil
		}

		code := insn.Op
		switch cbpf.Class(code) {
		case cbpf.ClassAlu:
			switch op := cbpf.Op(code); op {
			case cbpf.OpAdd, cbpf.OpSub, cbpf.OpMul, cbpf.OpDiv,
				cbpf.OpAnd, cbpf.OpOr, cbpf.OpXor, cbpf.OpLsh, cbpf.OpRsh:
				// Classic ALU opcodes are bit-identical to extended 32-bit
				// ALU opcodes, so the opcode passes straight through.
				if cbpf.Src(code) == cbpf.SrcK {
					out = append(out, asm.MakeInsn(asm.OpCode(code), regA, 0, 0, int32(insn.K)))
				} else {
					out = append(out, asm.MakeInsn(asm.OpCode(code), regA, regX, 0, 0))
				}
			case cbpf.OpNeg:
				out = append(out, asm.MakeInsn(asm.Neg32, regA, regA, 0, 0))
			default:
				return nil, InvalidInstructionError{Code: code}
			}

		case cbpf.ClassLd, cbpf.ClassLdx:
			dst := regA
			if cbpf.Class(code) == cbpf.ClassLdx {
				dst = regX
			}
			mode := cbpf.Mode(code)
			size := cbpf.Size(code)

			// Half-word and byte loads are legal only for LD|ABS and
			// LD|IND; everything else must be word-sized.
			switch {
			case size == cbpf.SizeW:
			case (size == cbpf.SizeH || size == cbpf.SizeB) &&
				(mode == cbpf.ModeAbs || mode == cbpf.ModeInd) && cbpf.Class(code) == cbpf.ClassLd:
			default:
				return nil, InvalidInstructionError{Code: code}
			}

			switch mode {
			case cbpf.ModeImm:
				out = append(out, asm.MakeInsn(asm.MovImm32, dst, 0, 0, int32(insn.K)))
			case cbpf.ModeMem:
				off, err := scratchOffset(insn.K)
				if err != nil {
					return nil, err
				}
				out = append(out, asm.MakeInsn(asm.Load32, dst, regStack, off, 0))
			case cbpf.ModeAbs:
				// Fixed offset K from the packet base register.
				out = append(out, asm.MakeInsn(loadOpForSize(size), dst, regPkt, int16(insn.K), 0))
			default:
				// LEN and IND are not part of the seccomp(2) subset.
				return nil, InvalidInstructionError{Code: code}
			}

		case cbpf.ClassSt, cbpf.ClassStx:
			// Only the plain word store to scratch memory exists; any mode
			// or size bits make the encoding invalid.
			if cbpf.Mode(code) != 0 || cbpf.Size(code) != 0 {
				return nil, InvalidInstructionError{Code: code}
			}
			src := regA
			if cbpf.Class(code) == cbpf.ClassStx {
				src = regX
			}
			off, err := scratchOffset(insn.K)
			if err != nil {
				return nil, err
			}
			out = append(out, asm.MakeInsn(asm.Store32, regStack, src, off, 0))

		case cbpf.ClassJmp:
			switch op := cbpf.Op(code); op {
			case cbpf.OpJa:
				out = append(out, asm.MakeInsn(asm.JumpA, 0, 0, -1, 0))
				if err := prepPatch(insn.K, len(out)-1); err != nil {
					return nil, err
				}
			case cbpf.OpJeq, cbpf.OpJgt, cbpf.OpJge, cbpf.OpJset:
				// Classic jumps carry a true and a false branch; extended
				// jumps only jump-if-true and otherwise fall through.
				var srcReg asm.Reg
				var imm int32
				if cbpf.Src(code) == cbpf.SrcK {
					imm = int32(insn.K)
				} else {
					srcReg = regX
				}
				srcBit := asm.OpCode(cbpf.Src(code))

				if insn.Jt == 0 && op != cbpf.OpJset {
					// Only the false branch jumps: negate the condition and
					// emit a single jump.
					neg := jumpOpNegate[op]
					out = append(out, asm.MakeInsn(asm.ClassJmp32|neg|srcBit, regA, srcReg, -1, imm))
					if err := prepPatch(uint32(insn.Jf), len(out)-1); err != nil {
						return nil, err
					}
				} else {
					out = append(out, asm.MakeInsn(asm.ClassJmp32|asm.OpCode(op)|srcBit, regA, srcReg, -1, imm))
					if err := prepPatch(uint32(insn.Jt), len(out)-1); err != nil {
						return nil, err
					}
					// A zero false branch falls through and needs no
					// instruction.
					if insn.Jf > 0 {
						out = append(out, asm.MakeInsn(asm.JumpA, 0, 0, -1, 0))
						if err := prepPatch(uint32(insn.Jf), len(out)-1); err != nil {
							return nil, err
						}
					}
				}
			default:
				// Includes JNE and friends, which classic BPF never had.
				return nil, InvalidInstructionError{Code: code}
			}

		case cbpf.ClassMisc:
			switch cbpf.Op(code) {
			case cbpf.OpTax:
				out = append(out, asm.MakeInsn(asm.Mov32, regX, regA, 0, 0))
			case cbpf.OpTxa:
				out = append(out, asm.MakeInsn(asm.Mov32, regA, regX, 0, 0))
			default:
				return nil, InvalidInstructionError{Code: code}
			}

		case cbpf.ClassRet:
			switch cbpf.RVal(code) {
			case cbpf.RValK:
				// Returning a constant rather than A: load it into the
				// return register first.
				out = append(out, asm.MakeInsn(asm.MovImm32, regA, 0, 0, int32(insn.K)))
			case cbpf.RValA:
			default:
				return nil, InvalidInstructionError{Code: code}
			}
			out = append(out, asm.MakeInsn(asm.Exit, 0, 0, 0, 0))

		default:
			return nil, InvalidInstructionError{Code: code}
		}
	}

	// Every queued target was bounds-checked and every in-bounds index is
	// visited exactly once, so anything left is a bug in this package.
	if len(toPatch) != 0 {
		log.WithField("pending", toPatch).Panic("Unresolved jump targets after cBPF translation")
	}

	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("Translated %d cBPF instructions to %d eBPF instructions:\n%s",
			len(prog), len(out), out)
	}

	return out, nil
}
