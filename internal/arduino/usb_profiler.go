package arduino

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
)

// ftdi boards cannot be correlated with their tty on macOS.
var ftdiID = USBID{VendorID: "0403", ProductID: "6001"}

var locationPattern = regexp.MustCompile(`0x(\d{3})`)

// profilerEnumerator parses "system_profiler SPUSBDataType". The usbmodem
// tty of a device is derived from the first three digits of its location
// id.
type profilerEnumerator struct {
	devDir string
}

func (e profilerEnumerator) Devices(ctx context.Context) ([]USBDevice, error) {
	out, err := exec.CommandContext(ctx, "system_profiler", "SPUSBDataType").Output()
	if err != nil {
		return nil, fmt.Errorf("run system_profiler: %w", err)
	}
	return parseProfiler(string(out), func() string { return firstUSBSerial(e.devDir) }), nil
}

// parseProfiler pairs Vendor/Product ID lines with the following Location
// ID line. usbSerial resolves the port of FTDI devices; when it finds no
// node the usbmodem name is used as for any other board.
func parseProfiler(out string, usbSerial func() string) []USBDevice {
	var devices []USBDevice
	var vid, pid string

	s := bufio.NewScanner(strings.NewReader(out))
	for s.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(s.Text()), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "Product ID":
			pid = firstField(value)
		case "Vendor ID":
			vid = firstField(value)
		case "Location ID":
			loc := locationPattern.FindStringSubmatch(value)
			if loc == nil || vid == "" || pid == "" {
				continue
			}
			id, err := parseID(vid, pid)
			vid, pid = "", ""
			if err != nil {
				continue
			}
			port := "tty.usbmodem" + loc[1] + "1"
			if id == ftdiID {
				if serial := usbSerial(); serial != "" {
					port = serial
				}
			}
			devices = append(devices, USBDevice{VendorID: id.VendorID, ProductID: id.ProductID, Port: port})
		}
	}
	return devices
}

func firstField(s string) string {
	if fields := strings.Fields(s); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// firstUSBSerial returns the alphabetically first tty.usbserial node.
func firstUSBSerial(devDir string) string {
	entries, err := os.ReadDir(devDir)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "tty.usbserial") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return names[0]
}
