//go:build !linux

package server

import "syscall"

// reusePortSupported is false off Linux; workers must then use distinct ports.
const reusePortSupported = false

func reusePortControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
