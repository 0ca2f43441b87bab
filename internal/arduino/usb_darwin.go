//go:build darwin

package arduino

func platformEnumerator() Enumerator {
	return profilerEnumerator{devDir: "/dev"}
}
