package worker

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPollerReportsReadableAfterWrite(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	p, err := newPoller()
	require.NoError(t, err)
	defer p.close()

	require.NoError(t, p.add(fds[0], EventRead))

	_, err = unix.Write(fds[1], []byte("ping"))
	require.NoError(t, err)

	events, err := p.wait(1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, fds[0], events[0].fd)
	require.True(t, events[0].readable)
}

func TestPollerModifyToWriteReportsWritable(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	p, err := newPoller()
	require.NoError(t, err)
	defer p.close()

	require.NoError(t, p.add(fds[0], EventRead))
	require.NoError(t, p.modify(fds[0], EventWrite))

	events, err := p.wait(1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].writable)
}

func TestPollerRemoveStopsNotifications(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	p, err := newPoller()
	require.NoError(t, err)
	defer p.close()

	require.NoError(t, p.add(fds[0], EventRead))
	require.NoError(t, p.remove(fds[0]))

	_, err = unix.Write(fds[1], []byte("ping"))
	require.NoError(t, err)

	events, err := p.wait(200)
	require.NoError(t, err)
	require.Empty(t, events)
}
