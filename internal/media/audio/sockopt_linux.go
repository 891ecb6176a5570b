//go:build linux

package audio

import (
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	// voicePriority is the socket priority for interactive audio
	voicePriority = 6
	// dscpEF marks expedited forwarding
	dscpEF = 46
)

// voiceSocketControl marks the media socket for low-latency delivery. Both
// options are best effort; containers commonly refuse them.
func voiceSocketControl(_, _ string, c syscall.RawConn) error {
	return c.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, voicePriority)
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, dscpEF<<2)
	})
}
