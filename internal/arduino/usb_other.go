//go:build !linux && !windows && !darwin

package arduino

func platformEnumerator() Enumerator {
	return portsEnumerator{}
}
