package arduino

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const sysfsUSBDevices = "/sys/bus/usb/devices"

// sysfsEnumerator walks the Linux USB device tree. The tty of a device
// lives in one of its interface directories, which are named after the
// device ("1-1" has "1-1:1.0").
type sysfsEnumerator struct {
	root string
}

func (e sysfsEnumerator) Devices(ctx context.Context) ([]USBDevice, error) {
	entries, err := os.ReadDir(e.root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", e.root, err)
	}

	var devices []USBDevice
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		dir := filepath.Join(e.root, entry.Name())
		vid, err := readFirstLine(filepath.Join(dir, "idVendor"))
		if err != nil {
			continue
		}
		pid, err := readFirstLine(filepath.Join(dir, "idProduct"))
		if err != nil {
			continue
		}
		port := findTTY(dir, entry.Name())
		if port == "" {
			continue
		}
		devices = append(devices, USBDevice{VendorID: vid, ProductID: pid, Port: port})
	}
	return devices, nil
}

func findTTY(dir, device string) string {
	subdirs, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, sub := range subdirs {
		if !strings.Contains(sub.Name(), device) {
			continue
		}
		children, err := os.ReadDir(filepath.Join(dir, sub.Name()))
		if err != nil {
			continue
		}
		for _, child := range children {
			if !strings.Contains(child.Name(), "tty") {
				continue
			}
			if child.Name() != "tty" {
				return child.Name()
			}
			// Plain "tty" is a class directory holding the real node.
			nodes, err := os.ReadDir(filepath.Join(dir, sub.Name(), child.Name()))
			if err == nil && len(nodes) > 0 {
				return nodes[0].Name()
			}
		}
	}
	return ""
}

func readFirstLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	if !s.Scan() {
		if err := s.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("%s is empty", path)
	}
	return strings.TrimSpace(s.Text()), nil
}
