// Package modbus implements the MODBUS RTU framing used by Fossibot-family
// power stations. Frames travel verbatim as MQTT payloads, so there is no
// inter-frame timing; only the unit id, function code and CRC matter.
package modbus

import (
	"encoding/binary"
	"errors"
)

// Channel is the fixed unit id every device answers on.
const Channel = 0x11

// Modbus function codes (client role)
const (
	FuncReadHoldingRegisters = 0x03
	FuncReadInputRegisters   = 0x04
	FuncWriteHoldingRegister = 0x06
)

var (
	ErrMalformedFrame  = errors.New("modbus: malformed frame")
	ErrBadCRC          = errors.New("modbus: bad crc")
	ErrBadChannel      = errors.New("modbus: bad channel")
	ErrUnknownFunction = errors.New("modbus: unknown function")
)

// crc16 computes CRC-16/MODBUS (poly 0xA001, init 0xFFFF, reflected)
// over buf.
func crc16(buf []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range buf {
		crc ^= uint16(b)
		for bit := 0; bit < 8; bit++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// appendCRC appends the checksum high byte first, which is how the
// sydpower firmware transmits it.
func appendCRC(frame []byte) []byte {
	crc := crc16(frame)
	return append(frame, byte(crc>>8), byte(crc))
}

// checkCRC reports whether the trailing two bytes match the checksum of
// the rest of the frame.
func checkCRC(frame []byte) bool {
	if len(frame) < 2 {
		return false
	}
	crc := crc16(frame[:len(frame)-2])
	return frame[len(frame)-2] == byte(crc>>8) && frame[len(frame)-1] == byte(crc)
}

// AppendCRC returns frame with its checksum appended. Exposed for tools
// and tests that fabricate device-side frames.
func AppendCRC(frame []byte) []byte {
	return appendCRC(frame)
}

func encodeRequest(function byte, a, b uint16) []byte {
	frame := make([]byte, 6)
	frame[0] = Channel
	frame[1] = function
	binary.BigEndian.PutUint16(frame[2:], a)
	binary.BigEndian.PutUint16(frame[4:], b)
	return appendCRC(frame)
}

// ReadHoldingRegisters encodes a function 0x03 request.
func ReadHoldingRegisters(start, count uint16) []byte {
	return encodeRequest(FuncReadHoldingRegisters, start, count)
}

// ReadInputRegisters encodes a function 0x04 request.
func ReadInputRegisters(start, count uint16) []byte {
	return encodeRequest(FuncReadInputRegisters, start, count)
}

// WriteHoldingRegister encodes a function 0x06 request.
func WriteHoldingRegister(index, value uint16) []byte {
	return encodeRequest(FuncWriteHoldingRegister, index, value)
}

// Response is a parsed device frame. Start, Count and Values are set for
// read responses; Index and Value for write echoes. Exception is set when
// the device answered with function|0x80.
type Response struct {
	Function  byte
	Exception bool

	Start  uint16
	Count  uint16
	Values []uint16

	Index uint16
	Value uint16
}

// ParseResponse validates and decodes a raw response frame.
func ParseResponse(frame []byte) (*Response, error) {
	if len(frame) < 4 {
		return nil, ErrMalformedFrame
	}
	if !checkCRC(frame) {
		return nil, ErrBadCRC
	}
	if frame[0] != Channel {
		return nil, ErrBadChannel
	}

	function := frame[1]
	body := frame[2 : len(frame)-2]

	if function&0x80 != 0 {
		return &Response{Function: function &^ 0x80, Exception: true}, nil
	}

	switch function {
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		if len(body) < 4 {
			return nil, ErrMalformedFrame
		}
		start := binary.BigEndian.Uint16(body)
		count := binary.BigEndian.Uint16(body[2:])
		if len(body) < 4+2*int(count) {
			return nil, ErrMalformedFrame
		}
		values := make([]uint16, count)
		for i := range values {
			values[i] = binary.BigEndian.Uint16(body[4+2*i:])
		}
		return &Response{Function: function, Start: start, Count: count, Values: values}, nil

	case FuncWriteHoldingRegister:
		if len(body) < 4 {
			return nil, ErrMalformedFrame
		}
		return &Response{
			Function: function,
			Index:    binary.BigEndian.Uint16(body),
			Value:    binary.BigEndian.Uint16(body[2:]),
		}, nil
	}

	return nil, ErrUnknownFunction
}
