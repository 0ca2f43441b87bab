//go:build linux

package arduino

func platformEnumerator() Enumerator {
	return sysfsEnumerator{root: sysfsUSBDevices}
}
