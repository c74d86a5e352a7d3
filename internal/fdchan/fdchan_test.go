package fdchan

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// TestSendRecvRoundTrip exercises fd conservation: the receiver ends up
// with a working duplicate of the sender's file, and the sender's own
// copy can be closed independently without affecting the receiver's.
func TestSendRecvRoundTrip(t *testing.T) {
	parent, child, err := socketpair()
	require.NoError(t, err)
	defer parent.Close()
	defer child.Close()

	dir := t.TempDir()
	f, err := os.Create(dir + "/payload.txt")
	require.NoError(t, err)
	_, err = f.WriteString("hello")
	require.NoError(t, err)

	require.NoError(t, Send(parent, int(f.Fd())))
	require.NoError(t, f.Close()) // sender releases its copy

	gotFD, err := Recv(child)
	require.NoError(t, err)
	require.NotEqual(t, -1, gotFD)

	received := os.NewFile(uintptr(gotFD), "received")
	defer received.Close()

	buf := make([]byte, 5)
	n, err := received.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func socketpair() (*net.UnixConn, *net.UnixConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, nil, err
	}
	f0 := os.NewFile(uintptr(fds[0]), "sp0")
	f1 := os.NewFile(uintptr(fds[1]), "sp1")
	defer f0.Close()
	defer f1.Close()

	c0, err := net.FileConn(f0)
	if err != nil {
		return nil, nil, err
	}
	c1, err := net.FileConn(f1)
	if err != nil {
		c0.Close()
		return nil, nil, err
	}
	return c0.(*net.UnixConn), c1.(*net.UnixConn), nil
}
