package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/crc32"

	"cubesat-fsw/internal/fault"
)

// wire is the uplink encoding of a request.
type wire struct {
	ID       string          `json:"id,omitempty"`
	Opcode   string          `json:"opcode"`
	Target   string          `json:"target,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Source   string          `json:"source,omitempty"`
	Checksum *uint32         `json:"checksum,omitempty"`
}

// Checksum is the CRC-32 (IEEE) of "opcode|target|args" with args in compact form.
func Checksum(opcode Opcode, target string, args []byte) uint32 {
	var buf bytes.Buffer
	buf.WriteString(string(opcode))
	buf.WriteByte('|')
	buf.WriteString(target)
	buf.WriteByte('|')
	if len(args) > 0 {
		if err := json.Compact(&buf, args); err != nil {
			buf.Write(args)
		}
	}
	return crc32.ChecksumIEEE(buf.Bytes())
}

// Encode renders r in wire form with its checksum filled in.
func Encode(r Request) ([]byte, error) {
	sum := Checksum(r.Opcode, r.Target, r.Args)
	return json.Marshal(wire{
		ID:       r.ID,
		Opcode:   string(r.Opcode),
		Target:   r.Target,
		Args:     r.Args,
		Source:   string(r.Source),
		Checksum: &sum,
	})
}

// Decode parses a wire-form request. Requests from the radio default to GROUND.
// A malformed packet still yields a Request carrying the decode error, so the
// processor can record and acknowledge the rejection.
func Decode(data []byte) Request {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return Request{Source: SourceGround, decodeErr: fault.Validation("malformed command: %v", err)}
	}
	r := Request{
		ID:       w.ID,
		Opcode:   Opcode(w.Opcode),
		Target:   w.Target,
		Args:     w.Args,
		Source:   Source(w.Source),
		Checksum: w.Checksum,
	}
	if r.Source == "" {
		r.Source = SourceGround
	}
	return r
}

// Err returns the decode error, if any.
func (r Request) Err() error { return r.decodeErr }

func verifyChecksum(r Request) error {
	if r.Checksum == nil {
		return nil
	}
	if got := Checksum(r.Opcode, r.Target, r.Args); got != *r.Checksum {
		return &fault.Error{
			Kind: fault.ErrValidation,
			Msg:  fmt.Sprintf("checksum %08x, computed %08x", *r.Checksum, got),
			Err:  ErrBadChecksum,
		}
	}
	return nil
}
