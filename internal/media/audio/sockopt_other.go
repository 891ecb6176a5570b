//go:build !linux

package audio

import "syscall"

func voiceSocketControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
