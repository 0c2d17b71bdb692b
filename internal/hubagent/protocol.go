package hubagent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Display colors understood by the hub firmware.
const (
	ColorGreen    = "GREEN"
	ColorOrange   = "ORANGE"
	ColorRed      = "RED"
	ColorCyan     = "CYAN"
	ColorDarkGrey = "DARKGREY"
	ColorWhite    = "WHITE"
)

// Line is one text row on a channel display.
type Line struct {
	Txt   string `json:"txt"`
	Color string `json:"color"`
}

// Display is the full render state for one channel. The hub firmware
// keys rows under "Dev1_name" with T1..T3 line slots.
type Display struct {
	Lines   map[string]Line `json:"Dev1_name"`
	NumDev  string          `json:"numDev"`
	UsbType string          `json:"usbType"`
}

// pushMessage is one complete display update.
type pushMessage struct {
	Action string             `json:"action"`
	Params map[string]Display `json:"params"`
}

// response is the hub's per-command reply.
type response struct {
	Status string `json:"status"`
}

// Equal compares render state, ignoring map identity.
func (d Display) Equal(other Display) bool {
	if d.NumDev != other.NumDev || d.UsbType != other.UsbType || len(d.Lines) != len(other.Lines) {
		return false
	}
	for k, v := range d.Lines {
		if other.Lines[k] != v {
			return false
		}
	}
	return true
}

// Conn is a line-oriented JSON connection to the hub controller.
type Conn struct {
	rw io.ReadWriteCloser
	r  *bufio.Reader
}

// NewConn wraps an open controller port.
func NewConn(rw io.ReadWriteCloser) *Conn {
	return &Conn{rw: rw, r: bufio.NewReader(rw)}
}

// openSerial opens the hub controller port: 115200 8N1, DTR asserted
// per the hub API.
func openSerial(path string) (io.ReadWriteCloser, error) {
	port, err := serial.Open(path, &serial.Mode{BaudRate: 115200})
	if err != nil {
		return nil, err
	}
	if err := port.SetDTR(true); err != nil {
		port.Close()
		return nil, err
	}
	if err := port.SetReadTimeout(time.Second); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

// Push sends one channel's display state and checks the hub's
// acknowledgement.
func (c *Conn) Push(channel string, d Display) error {
	msg := pushMessage{
		Action: "set",
		Params: map[string]Display{channel: d},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := c.rw.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("hub write: %w", err)
	}

	line, err := c.r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("hub read: %w", err)
	}
	var resp response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return fmt.Errorf("hub response %q: %w", line, err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("hub rejected push: status %q", resp.Status)
	}
	return nil
}

// Close releases the controller port.
func (c *Conn) Close() error {
	if c == nil || c.rw == nil {
		return nil
	}
	return c.rw.Close()
}
