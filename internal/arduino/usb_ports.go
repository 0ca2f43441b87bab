package arduino

import (
	"context"
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// portsEnumerator uses the serial library's port enumeration, which
// reports USB ids on every platform it supports.
type portsEnumerator struct{}

func (portsEnumerator) Devices(ctx context.Context) ([]USBDevice, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return fromPortDetails(ports), nil
}

func fromPortDetails(ports []*enumerator.PortDetails) []USBDevice {
	var devices []USBDevice
	for _, p := range ports {
		if p == nil || !p.IsUSB {
			continue
		}
		devices = append(devices, USBDevice{
			VendorID:  strings.ToLower(p.VID),
			ProductID: strings.ToLower(p.PID),
			Port:      strings.TrimPrefix(p.Name, "/dev/"),
		})
	}
	return devices
}
