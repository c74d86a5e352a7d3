// Package fdchan sends and receives a single open file descriptor over a
// Unix-domain datagram socket using SCM_RIGHTS ancillary messages, the
// mechanism the master uses to hand an accepted client socket to one of
// its workers.
//
// Grounded on the SCM_RIGHTS relay in the pack's canonical-lxd forkproxy
// reference (ReadMsgUnix/WriteMsgUnix + syscall.ParseUnixRights), adapted
// here to a one-shot send/recv of exactly one fd rather than a relay loop.
package fdchan

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// marker is the minimal non-empty payload accompanying the ancillary
// data; its contents are not interpreted by the receiver.
var marker = []byte("FD")

// Send duplicates fd into the peer connected to uc and transfers it via
// an SCM_RIGHTS control message. The caller retains ownership of fd and
// MUST close its own copy immediately after Send returns successfully,
// per the fd-conservation invariant.
func Send(uc *net.UnixConn, fd int) error {
	rights := unix.UnixRights(fd)
	n, oobn, err := uc.WriteMsgUnix(marker, rights, nil)
	if err != nil {
		return fmt.Errorf("fdchan: send fd %d: %w", fd, err)
	}
	if n != len(marker) || oobn != len(rights) {
		return fmt.Errorf("fdchan: short write sending fd %d (n=%d oobn=%d)", fd, n, oobn)
	}
	return nil
}

// Recv reads one message from uc and extracts the first SCM_RIGHTS fd
// carried in its ancillary data. It returns -1 if no fd was present.
func Recv(uc *net.UnixConn) (int, error) {
	buf := make([]byte, len(marker))
	oob := make([]byte, unix.CmsgSpace(4))

	_, oobn, _, _, err := uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, fmt.Errorf("fdchan: recv: %w", err)
	}
	if oobn == 0 {
		return -1, nil
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("fdchan: parse control message: %w", err)
	}

	for _, msg := range msgs {
		fds, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return fds[0], nil
		}
	}
	return -1, errors.New("fdchan: no fd in control message")
}
