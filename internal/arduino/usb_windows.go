//go:build windows

package arduino

func platformEnumerator() Enumerator {
	return wmiEnumerator{shell: "powershell.exe"}
}
