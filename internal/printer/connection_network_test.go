package printer

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPTransport_Connect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	got := make(chan []byte, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		data, _ := io.ReadAll(c)
		got <- data
	}()

	tr := NewTCPTransport(0)
	assert.Equal(t, DefaultTCPTimeout, tr.DefaultTimeout)

	port := ln.Addr().(*net.TCPAddr).Port
	conn, err := tr.Connect(context.Background(), TCPTarget{Host: "127.0.0.1", Port: port}, time.Second)
	require.NoError(t, err)

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	assert.Equal(t, []byte("hello"), <-got)
}

func TestTCPTransport_WrongTarget(t *testing.T) {
	_, err := NewTCPTransport(time.Second).Connect(context.Background(), USBTarget{}, 0)
	assert.ErrorIs(t, err, ErrConnection)
}
