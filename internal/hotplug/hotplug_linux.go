//go:build linux

package hotplug

import (
	"bytes"
	"sync"

	"golang.org/x/sys/unix"
)

// netlinkSource subscribes to kobject uevents and raises the signal on
// USB subsystem add/remove messages.
type netlinkSource struct {
	fd     int
	closed chan struct{}
	once   sync.Once
}

// New returns the platform hotplug source: netlink kobject uevents on
// Linux. If the socket cannot be opened the caller should fall back to
// NewTimerOnly.
func New() (Source, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, err
	}
	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: 1, // kernel broadcast group
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &netlinkSource{fd: fd, closed: make(chan struct{})}, nil
}

func (n *netlinkSource) Subscribe(sig *Signal) error {
	go n.readLoop(sig)
	return nil
}

func (n *netlinkSource) readLoop(sig *Signal) {
	buf := make([]byte, 4096)
	for {
		m, _, err := unix.Recvfrom(n.fd, buf, 0)
		if err != nil {
			select {
			case <-n.closed:
				return
			default:
			}
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return
		}
		if isUSBEvent(buf[:m]) {
			sig.Set()
		}
	}
}

// isUSBEvent reports whether a uevent datagram describes a USB device
// arrival or departure. The payload is NUL-separated KEY=VALUE pairs
// preceded by an "action@devpath" header.
func isUSBEvent(msg []byte) bool {
	fields := bytes.Split(msg, []byte{0})
	if len(fields) == 0 {
		return false
	}
	header := fields[0]
	if !bytes.HasPrefix(header, []byte("add@")) && !bytes.HasPrefix(header, []byte("remove@")) {
		return false
	}
	for _, f := range fields[1:] {
		if bytes.Equal(f, []byte("SUBSYSTEM=usb")) {
			return true
		}
	}
	return false
}

func (n *netlinkSource) Close() error {
	var err error
	n.once.Do(func() {
		close(n.closed)
		err = unix.Close(n.fd)
	})
	return err
}
