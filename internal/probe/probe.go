// Package probe classifies an attached device as running user firmware
// or sitting in the ROM bootloader, via a synchronous framed handshake.
//
// A device in the bootloader answers the sync packet within ~10ms; one
// running firmware stays silent and the read times out. The probe is
// cheap but holds the port for up to the read timeout, so callers cache
// results per appearance.
package probe

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// State is the probed runtime state.
type State string

const (
	StateRunning    State = "running"
	StateBootloader State = "bootloader"
	StateUnknown    State = "unknown"
)

const (
	frameDelim = 0x7E
	frameEsc   = 0x7D
	escXor     = 0x20

	cmdSync = 0x08

	readTimeout = 150 * time.Millisecond
	baudRate    = 115200
)

// syncPayload is the bootloader sync packet: direction, command, 16-bit
// little-endian data length, 32-bit checksum, then the sync data
// (07 07 12 20 followed by 32 bytes of 0x55).
func syncPayload() []byte {
	data := append([]byte{0x07, 0x07, 0x12, 0x20}, make([]byte, 32)...)
	for i := 4; i < len(data); i++ {
		data[i] = 0x55
	}
	pkt := []byte{
		0x00, cmdSync,
		byte(len(data)), byte(len(data) >> 8),
		0x00, 0x00, 0x00, 0x00,
	}
	return append(pkt, data...)
}

// Encode wraps a payload in delimiters, escaping delimiter and escape
// bytes as 0x7D followed by the byte XOR 0x20.
func Encode(payload []byte) []byte {
	out := []byte{frameDelim}
	for _, b := range payload {
		switch b {
		case frameDelim, frameEsc:
			out = append(out, frameEsc, b^escXor)
		default:
			out = append(out, b)
		}
	}
	return append(out, frameDelim)
}

// DecodeFrames extracts every complete unescaped frame payload from buf.
func DecodeFrames(buf []byte) [][]byte {
	var frames [][]byte
	var cur []byte
	inFrame := false
	esc := false

	for _, b := range buf {
		if !inFrame {
			if b == frameDelim {
				inFrame = true
				cur = nil
			}
			continue
		}
		switch {
		case esc:
			cur = append(cur, b^escXor)
			esc = false
		case b == frameEsc:
			esc = true
		case b == frameDelim:
			if len(cur) > 0 {
				frames = append(frames, cur)
			}
			inFrame = false
		default:
			cur = append(cur, b)
		}
	}
	return frames
}

// Classify performs the handshake over an open port. A framed response
// carrying the sync command byte means bootloader; a silent timeout means
// running firmware.
func Classify(rw io.ReadWriter) State {
	if _, err := rw.Write(Encode(syncPayload())); err != nil {
		return StateUnknown
	}

	buf := make([]byte, 0, 256)
	chunk := make([]byte, 128)
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		n, err := rw.Read(chunk)
		if err != nil && err != io.EOF {
			return StateUnknown
		}
		if n == 0 {
			// Port-level read timeout expired with no data.
			break
		}
		buf = append(buf, chunk[:n]...)
		for _, frame := range DecodeFrames(buf) {
			if len(frame) > 1 && frame[1] == cmdSync {
				return StateBootloader
			}
		}
	}
	return StateRunning
}

// Device opens the serial device at path and classifies it. Any open or
// I/O failure yields StateUnknown (the port may be held by a user
// process).
func Device(path string) State {
	port, err := serial.Open(path, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return StateUnknown
	}
	defer port.Close()

	if err := port.SetDTR(true); err != nil {
		return StateUnknown
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		return StateUnknown
	}
	_ = port.ResetInputBuffer()

	return Classify(port)
}
