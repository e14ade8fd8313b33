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

// Package seccomp builds syscall-allowlist filters as classic BPF and
// compiles them to extended BPF for the in-process VM.  A filter that fails
// to compile is rejected wholesale; no partial program is ever handed to
// the loader.
package seccomp

import (
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/bpf"

	"github.com/seccompio/sockfilter/asm"
	"github.com/seccompio/sockfilter/cbpf"
	"github.com/seccompio/sockfilter/conv"
)

// Offsets into struct seccomp_data.
const (
	dataOffsetNr   = 0
	dataOffsetArch = 4
)

// Audit architecture identifiers, as reported in seccomp_data.arch.
const (
	ArchX8664   uint32 = 0xc000003e
	ArchAArch64 uint32 = 0xc00000b7
)

// Action is a seccomp return value.
type Action uint32

const (
	ActionKillProcess Action = 0x80000000
	ActionKillThread  Action = 0x00000000
	ActionTrap        Action = 0x00030000
	ActionErrno       Action = 0x00050000
	ActionAllow       Action = 0x7fff0000
)

// WithErrno returns an errno action carrying the given error number.
func (a Action) WithErrno(errno uint16) Action {
	return a | Action(errno)
}

// Classic jump offsets are a single byte; with the arch check in front the
// allowlist chain cannot be longer than this.
const maxAllowedSyscalls = 254

// Policy is a syscall allowlist for one architecture.  Syscalls not in the
// list get the default action.
type Policy struct {
	Arch            uint32
	AllowedSyscalls []uint32
	DefaultAction   Action
}

// Program builds the policy as a classic BPF filter: an architecture check
// followed by a linear syscall-number match chain.
func (p Policy) Program() (cbpf.Program, error) {
	if p.Arch == 0 {
		return nil, errors.New("seccomp policy: audit arch is required")
	}

	allowed := append([]uint32(nil), p.AllowedSyscalls...)
	sort.Slice(allowed, func(i, j int) bool { return allowed[i] < allowed[j] })
	allowed = dedupe(allowed)
	if len(allowed) > maxAllowedSyscalls {
		return nil, errors.Errorf("seccomp policy: %d syscalls exceed the %d jump range", len(allowed), maxAllowedSyscalls)
	}
	n := len(allowed)

	// Layout: [load arch, arch check, load nr, n match jumps, default
	// action, allow action].  The arch check and every match jump skip
	// forward relative to the next instruction.
	insns := make([]bpf.Instruction, 0, n+6)
	insns = append(insns,
		bpf.LoadAbsolute{Off: dataOffsetArch, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: p.Arch, SkipTrue: uint8(n + 1)},
		bpf.LoadAbsolute{Off: dataOffsetNr, Size: 4},
	)
	for i, nr := range allowed {
		insns = append(insns, bpf.JumpIf{Cond: bpf.JumpEqual, Val: nr, SkipTrue: uint8(n - i)})
	}
	insns = append(insns,
		bpf.RetConstant{Val: uint32(p.DefaultAction)},
		bpf.RetConstant{Val: uint32(ActionAllow)},
	)

	raw, err := bpf.Assemble(insns)
	if err != nil {
		return nil, errors.Wrap(err, "assemble seccomp filter")
	}
	return cbpf.Program(raw), nil
}

// Compile builds the policy and translates it to extended BPF.
func Compile(p Policy) (asm.Insns, error) {
	prog, err := p.Program()
	if err != nil {
		return nil, err
	}

	ebpf, err := conv.Translate(prog)
	if err != nil {
		return nil, errors.Wrap(err, "translate seccomp filter")
	}

	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(log.Fields{
			"arch":     p.Arch,
			"syscalls": len(p.AllowedSyscalls),
		}).Debugf("Compiled seccomp filter:\n%s", ebpf)
	}

	return ebpf, nil
}

func dedupe(sorted []uint32) []uint32 {
	out := sorted[:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return out
}
