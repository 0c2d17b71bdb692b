package power

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/rs/zerolog"

	"github.com/m-mcgowan/usb-device/internal/resolve"
)

// sPDUOutletCtl (APC PowerNet-MIB). Writing 1/2/3 switches the outlet
// on/off/reboot.
const outletCtlOID = ".1.3.6.1.4.1.318.1.1.4.4.2.1.3."

var pduActions = map[string]int{
	"on":    1,
	"off":   2,
	"cycle": 3,
}

// pduBackend switches power through an SNMP-managed PDU outlet. The
// registry pdu= value has the form "host:outlet[:community]".
type pduBackend struct {
	log zerolog.Logger
}

type pduAddress struct {
	Host      string
	Outlet    int
	Community string
}

func parsePDUAddress(spec string) (pduAddress, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 {
		return pduAddress{}, fmt.Errorf("pdu address %q: want host:outlet[:community]", spec)
	}
	outlet, err := strconv.Atoi(parts[1])
	if err != nil || outlet < 1 {
		return pduAddress{}, fmt.Errorf("pdu address %q: bad outlet %q", spec, parts[1])
	}
	addr := pduAddress{Host: parts[0], Outlet: outlet, Community: "private"}
	if len(parts) > 2 && parts[2] != "" {
		addr.Community = parts[2]
	}
	return addr, nil
}

func (b *pduBackend) Set(ctx context.Context, dev resolve.Resolved, action string) error {
	code, ok := pduActions[action]
	if !ok {
		return fmt.Errorf("pdu backend: unsupported action %q", action)
	}
	addr, err := parsePDUAddress(dev.PDU)
	if err != nil {
		return err
	}

	client := &gosnmp.GoSNMP{
		Target:    addr.Host,
		Port:      161,
		Community: addr.Community,
		Version:   gosnmp.Version2c,
		Timeout:   2 * time.Second,
		Retries:   1,
		Context:   ctx,
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("pdu %s: %w", addr.Host, err)
	}
	defer client.Conn.Close()

	oid := outletCtlOID + strconv.Itoa(addr.Outlet)
	result, err := client.Set([]gosnmp.SnmpPDU{{
		Name:  oid,
		Type:  gosnmp.Integer,
		Value: code,
	}})
	if err != nil {
		return fmt.Errorf("pdu %s outlet %d %s: %w", addr.Host, addr.Outlet, action, err)
	}
	if result.Error != gosnmp.NoError {
		return fmt.Errorf("pdu %s outlet %d %s: snmp error %v", addr.Host, addr.Outlet, action, result.Error)
	}

	b.log.Debug().Str("host", addr.Host).Int("outlet", addr.Outlet).Str("action", action).
		Msg("pdu outlet switched")
	return nil
}

// CycleHub has no meaning for a PDU outlet; reboot is already a full
// power cycle upstream of any hub.
func (b *pduBackend) CycleHub(ctx context.Context, hub string) error {
	return fmt.Errorf("pdu-powered devices have no hub to cycle")
}
