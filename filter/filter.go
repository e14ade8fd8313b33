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

//go:build cgo

// Package filter compiles tcpdump filter expressions to extended BPF.  It
// uses libpcap to produce the classic program and the conv package to
// translate it, so only expressions that stay within the translated subset
// (no IND or LEN loads) compile; anything else is rejected wholesale.
package filter

import (
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/bpf"

	"github.com/seccompio/sockfilter/asm"
	"github.com/seccompio/sockfilter/cbpf"
	"github.com/seccompio/sockfilter/conv"
)

// New compiles a tcpdump filter expression into an extended BPF program.
func New(linkType layers.LinkType, snapLen int, expression string) (asm.Insns, error) {
	prog, err := Classic(linkType, snapLen, expression)
	if err != nil {
		return nil, err
	}

	ebpf, err := conv.Translate(prog)
	if err != nil {
		return nil, errors.Wrap(err, "cbpf to ebpf conversion")
	}

	log.WithFields(log.Fields{
		"expression": expression,
		"cbpfInsns":  len(prog),
		"ebpfInsns":  len(ebpf),
	}).Debug("Compiled filter expression")

	return ebpf, nil
}

// Classic compiles a tcpdump filter expression to a classic BPF program.
func Classic(linkType layers.LinkType, snapLen int, expression string) (cbpf.Program, error) {
	insns, err := pcap.CompileBPFFilter(linkType, snapLen, expression)
	if err != nil {
		return nil, errors.Wrap(err, "pcap compile filter")
	}

	prog := make(cbpf.Program, 0, len(insns))
	for _, insn := range insns {
		prog = append(prog, bpf.RawInstruction{
			Op: insn.Code,
			Jt: insn.Jt,
			Jf: insn.Jf,
			K:  insn.K,
		})
	}
	return prog, nil
}
