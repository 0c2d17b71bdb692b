// Package monitor streams serial output from a device, with optional
// timestamps, delayed sends, and pre-connect reset sequences.
//
// Serial data goes to the data writer (stdout) and status lines to the
// status writer (stderr) so output can be piped. The interactive raw-TTY
// key handling lives outside this package.
package monitor

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
)

// SendItem is data queued for transmission after the port opens.
type SendItem struct {
	Delay time.Duration
	Data  []byte
}

// ParseSend decodes a --send argument. "@2xT" sends "T" after a
// 2-second delay; the default delay lets the device settle after
// connect. Escapes \n and \r are honored.
func ParseSend(arg string) SendItem {
	item := SendItem{Delay: 500 * time.Millisecond}
	data := arg
	if strings.HasPrefix(data, "@") {
		if delayStr, rest, found := strings.Cut(data[1:], "x"); found {
			if secs, err := strconv.ParseFloat(delayStr, 64); err == nil {
				item.Delay = time.Duration(secs * float64(time.Second))
				data = rest
			}
		}
	}
	data = strings.ReplaceAll(data, `\n`, "\n")
	data = strings.ReplaceAll(data, `\r`, "\r")
	item.Data = []byte(data)
	return item
}

// Monitor streams one serial port.
type Monitor struct {
	Port       string
	Baud       int
	Timestamps bool
	// Timeout ends the session after a fixed capture window; zero runs
	// until cancelled.
	Timeout time.Duration
	Sends   []SendItem

	Out    io.Writer // serial data
	Status io.Writer // status messages

	open func(path string, baud int) (io.ReadWriteCloser, error)
	now  func() time.Time
}

// New returns a Monitor for the given port path.
func New(port string, baud int, out, status io.Writer) *Monitor {
	if baud <= 0 {
		baud = 115200
	}
	return &Monitor{
		Port:   port,
		Baud:   baud,
		Out:    out,
		Status: status,
		open:   openSerial,
		now:    time.Now,
	}
}

func openSerial(path string, baud int) (io.ReadWriteCloser, error) {
	port, err := serial.Open(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

// openWithRetry waits for the port to appear, e.g. right after a reset.
func (m *Monitor) openWithRetry(ctx context.Context) (io.ReadWriteCloser, error) {
	var lastErr error
	for attempt := 0; attempt < 20; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		port, err := m.open(m.Port, m.Baud)
		if err == nil {
			return port, nil
		}
		lastErr = err
		if attempt == 0 {
			fmt.Fprintf(m.Status, "[monitor] Waiting for %s...\n", m.Port)
		}
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("could not open %s after 10s: %w", m.Port, lastErr)
}

// Run streams until the timeout elapses or ctx is cancelled. A lost
// connection triggers a reconnect rather than an exit.
func (m *Monitor) Run(ctx context.Context) error {
	port, err := m.openWithRetry(ctx)
	if err != nil {
		return err
	}

	if m.Timeout > 0 {
		fmt.Fprintf(m.Status, "[monitor] %s @ %d baud (timeout %s)\n", m.Port, m.Baud, m.Timeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	} else {
		fmt.Fprintf(m.Status, "[monitor] %s @ %d baud (interrupt to stop)\n", m.Port, m.Baud)
	}

	go m.sendQueued(ctx, port)

	lineStart := true
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			break
		}
		n, err := port.Read(buf)
		if err != nil && err != io.EOF {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(m.Status, "\n[monitor] Connection lost. Reconnecting...\n")
			port.Close()
			time.Sleep(time.Second)
			port, err = m.openWithRetry(ctx)
			if err != nil {
				return err
			}
			continue
		}
		if n == 0 {
			continue
		}
		lineStart = m.write(buf[:n], lineStart)
	}

	port.Close()
	fmt.Fprintf(m.Status, "\n[monitor] Disconnected.\n")
	return nil
}

// write copies serial data to the output, inserting a timestamp at each
// line start when enabled. Returns whether the next byte starts a line.
func (m *Monitor) write(data []byte, lineStart bool) bool {
	if !m.Timestamps {
		_, _ = m.Out.Write(data)
		return len(data) > 0 && data[len(data)-1] == '\n'
	}
	for _, b := range data {
		if lineStart {
			fmt.Fprintf(m.Out, "[%s] ", m.now().Format("15:04:05.000"))
			lineStart = false
		}
		_, _ = m.Out.Write([]byte{b})
		if b == '\n' {
			lineStart = true
		}
	}
	return lineStart
}

func (m *Monitor) sendQueued(ctx context.Context, port io.Writer) {
	for _, item := range m.Sends {
		select {
		case <-ctx.Done():
			return
		case <-time.After(item.Delay):
		}
		if _, err := port.Write(item.Data); err != nil {
			fmt.Fprintf(m.Status, "[monitor] Send failed: %v\n", err)
			return
		}
		fmt.Fprintf(m.Status, "[monitor] Sent: %q\n", item.Data)
	}
}

// ResetBaudTouch resets a device by opening its port at 1200 baud with
// DTR dropped, then closing it.
func ResetBaudTouch(path string, status io.Writer) error {
	fmt.Fprintf(status, "[monitor] Resetting via 1200 baud touch on %s...\n", path)
	port, err := serial.Open(path, &serial.Mode{BaudRate: 1200})
	if err != nil {
		return err
	}
	_ = port.SetDTR(false)
	time.Sleep(100 * time.Millisecond)
	if err := port.Close(); err != nil {
		return err
	}
	time.Sleep(500 * time.Millisecond)
	return nil
}

// EnterBootloader holds the device in bootloader using the classic
// RTS/DTR strapping sequence.
func EnterBootloader(path string, baud int, status io.Writer) error {
	fmt.Fprintf(status, "[monitor] Entering bootloader via RTS/DTR on %s...\n", path)
	port, err := serial.Open(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return err
	}
	defer port.Close()

	_ = port.SetDTR(false)
	_ = port.SetRTS(true)
	time.Sleep(100 * time.Millisecond)
	_ = port.SetDTR(true)
	_ = port.SetRTS(false)
	time.Sleep(50 * time.Millisecond)
	_ = port.SetDTR(false)
	time.Sleep(500 * time.Millisecond)
	fmt.Fprintf(status, "[monitor] Bootloader entry sequence sent.\n")
	return nil
}
