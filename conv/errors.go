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

package conv

import "fmt"

// InvalidInstructionError is returned for an opcode whose
// class/mode/operation combination has no translation rule.  That covers
// both malformed encodings and the addressing modes (LEN, IND) that are
// deliberately outside the seccomp(2) subset.
type InvalidInstructionError struct {
	Code uint16
}

func (e InvalidInstructionError) Error() string {
	return fmt.Sprintf("invalid cBPF instruction %#04x", e.Code)
}

// InvalidJumpOffsetError is returned when a jump's computed target lies
// outside the program.
type InvalidJumpOffsetError struct {
	Offset uint32
}

func (e InvalidJumpOffsetError) Error() string {
	return fmt.Sprintf("cBPF jump offset %d is out of bounds", e.Offset)
}

// InvalidScratchOffsetError is returned for a scratch memory access beyond
// the 16 words classic BPF provides.
type InvalidScratchOffsetError struct {
	Slot uint32
}

func (e InvalidScratchOffsetError) Error() string {
	return fmt.Sprintf("cBPF scratch slot %d is out of bounds", e.Slot)
}
