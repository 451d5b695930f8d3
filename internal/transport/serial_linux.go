//go:build linux

package transport

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
)

// cfmakeraw mirrors the POSIX cfmakeraw(3) transformation: disable all
// input/output processing so bytes pass through untouched.
func cfmakeraw(t *unix.Termios) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
}

func setBaud(fd int, baud uint32) error {
	rate, ok := linuxBaudConstants[baud]
	if !ok {
		rate = unix.B115200
	}
	term, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return err
	}
	term.Ispeed = rate
	term.Ospeed = rate
	term.Cflag &^= unix.CBAUD
	term.Cflag |= rate
	return unix.IoctlSetTermios(fd, ioctlSetTermios, term)
}

var linuxBaudConstants = map[uint32]uint32{
	115200: unix.B115200,
	921600: unix.B921600,
}
