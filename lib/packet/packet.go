// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package packet implements the newline-delimited JSON wire codec
// shared by the TCP control channel and the UDP discovery channel.
package packet

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxLineSize bounds a single encoded packet at 10 MiB. A line longer
// than this is a framing error, not a silently truncated read.
const MaxLineSize = 10 * 1024 * 1024

// ErrFrameTooLarge is returned by Decode, Decoder.Decode and DecodeBytes
// when a line exceeds MaxLineSize.
var ErrFrameTooLarge = errors.New("packet: frame exceeds maximum line size")

// TransferInfo is the minimal payload-transfer hint: the ephemeral port
// the receiver should dial to pull the accompanying byte stream.
type TransferInfo struct {
	Port uint16 `json:"port"`
}

// Packet is the wire entity shared by the control channel and
// discovery.
type Packet struct {
	ID                  int64           `json:"id"`
	Type                string          `json:"type"`
	Body                json.RawMessage `json:"body"`
	PayloadSize         *int64          `json:"payloadSize,omitempty"`
	PayloadTransferInfo *TransferInfo   `json:"payloadTransferInfo,omitempty"`
}

// rawPacket is used only to detect field presence (encoding/json silently
// zero-fills missing required fields, which New would otherwise accept).
type rawPacket struct {
	ID   *int64           `json:"id"`
	Type *string          `json:"type"`
	Body *json.RawMessage `json:"body"`
}

// New builds a packet with the given type and body, JSON-marshalling
// body itself. id is the caller's chosen packet id (conventionally
// milliseconds since epoch; ids are never validated against time).
func New(id int64, typ string, body any) (*Packet, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("packet: marshal body: %w", err)
	}
	return &Packet{ID: id, Type: typ, Body: raw}, nil
}

// WithPayload attaches payload-transfer metadata to an existing packet.
// size and the transfer info are always set together; on the wire each
// implies the other.
func (p *Packet) WithPayload(size int64, port uint16) *Packet {
	p.PayloadSize = &size
	p.PayloadTransferInfo = &TransferInfo{Port: port}
	return p
}

// Encode serializes p as compact JSON followed by a single newline.
// Compact JSON from encoding/json never contains a literal newline byte
// (embedded newlines in strings are escaped), so the framing is safe.
func Encode(p *Packet) ([]byte, error) {
	if err := validate(p); err != nil {
		return nil, err
	}
	bs, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("packet: marshal: %w", err)
	}
	return append(bs, '\n'), nil
}

// Write encodes and writes p to w in one call.
func Write(w io.Writer, p *Packet) error {
	bs, err := Encode(p)
	if err != nil {
		return err
	}
	_, err = w.Write(bs)
	return err
}

func validate(p *Packet) error {
	if p.Type == "" {
		return errors.New("packet: missing type")
	}
	if len(p.Body) == 0 {
		return errors.New("packet: missing body")
	}
	if (p.PayloadSize == nil) != (p.PayloadTransferInfo == nil) {
		return errors.New("packet: payloadSize and payloadTransferInfo must be set together")
	}
	return nil
}

// Decode reads exactly one line-framed packet from r and validates that
// id, type and body are present.
func Decode(r *bufio.Reader) (*Packet, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	return decodeLine(line)
}

func decodeLine(line []byte) (*Packet, error) {
	var raw rawPacket
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("packet: malformed json: %w", err)
	}
	if raw.ID == nil {
		return nil, errors.New("packet: missing id")
	}
	if raw.Type == nil || *raw.Type == "" {
		return nil, errors.New("packet: missing type")
	}
	if raw.Body == nil {
		return nil, errors.New("packet: missing body")
	}

	var p Packet
	if err := json.Unmarshal(line, &p); err != nil {
		return nil, fmt.Errorf("packet: malformed json: %w", err)
	}
	if err := validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// readLine reads up to and including the first '\n', enforcing
// MaxLineSize against the line's content (excluding the delimiter, so a
// body of exactly MaxLineSize bytes is accepted, matching DecodeBytes)
// without buffering an unbounded amount of attacker-supplied data first.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxLineSize+1 {
			// Drain is left to the caller; this connection is no longer
			// trustworthy as a packet stream.
			return nil, ErrFrameTooLarge
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return nil, err
	}
	return line[:len(line)-1], nil
}

// Decoder streams packets off a reader, reusing one bufio.Reader.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for repeated Decode calls. r is read through a
// 4 KiB buffer; longer lines are assembled across reads, up to
// MaxLineSize.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 4096)}
}

// Decode reads and validates the next packet.
func (d *Decoder) Decode() (*Packet, error) {
	return Decode(d.r)
}

// UnmarshalBody is a convenience for plugin handlers: json.Unmarshal the
// packet body into v.
func UnmarshalBody(p *Packet, v any) error {
	return json.Unmarshal(p.Body, v)
}

// DecodeBytes decodes a single packet from an already-delimited buffer,
// such as one UDP datagram. A trailing newline, if present, is
// tolerated but not required.
func DecodeBytes(data []byte) (*Packet, error) {
	data = bytesTrimNewline(data)
	if len(data) > MaxLineSize {
		return nil, ErrFrameTooLarge
	}
	return decodeLine(data)
}

func bytesTrimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
