package arduino

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// wmiQuery lists USB PnP entities as "PNPDeviceID|Caption" lines.
const wmiQuery = `Get-CimInstance -ClassName Win32_PnPEntity -Filter "PNPDeviceID LIKE 'USB%VID_%'" | ForEach-Object { $_.PNPDeviceID + '|' + $_.Caption }`

var (
	wmiIDPattern   = regexp.MustCompile(`(?i)VID_([0-9a-f]{4})&PID_([0-9a-f]{4})`)
	wmiPortPattern = regexp.MustCompile(`\((COM\d+)\)`)
)

// wmiEnumerator queries Win32_PnPEntity through PowerShell.
type wmiEnumerator struct {
	shell string
}

func (e wmiEnumerator) Devices(ctx context.Context) ([]USBDevice, error) {
	out, err := exec.CommandContext(ctx, e.shell, "-NoProfile", "-NonInteractive", "-Command", wmiQuery).Output()
	if err != nil {
		return nil, fmt.Errorf("query Win32_PnPEntity: %w", err)
	}
	return parseWMI(string(out)), nil
}

// parseWMI extracts devices whose caption names a COM port.
func parseWMI(out string) []USBDevice {
	var devices []USBDevice
	s := bufio.NewScanner(strings.NewReader(out))
	for s.Scan() {
		id, caption, ok := strings.Cut(strings.TrimSpace(s.Text()), "|")
		if !ok {
			continue
		}
		ids := wmiIDPattern.FindStringSubmatch(id)
		port := wmiPortPattern.FindStringSubmatch(caption)
		if ids == nil || port == nil {
			continue
		}
		devices = append(devices, USBDevice{
			VendorID:  strings.ToLower(ids[1]),
			ProductID: strings.ToLower(ids[2]),
			Port:      port[1],
		})
	}
	return devices
}
