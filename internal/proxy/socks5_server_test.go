package proxy

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptSOCKS5ParsesDomainTarget(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte{SOCKS5Version, 1, AuthNone})
		resp := make([]byte, 2)
		client.Read(resp)

		client.Write([]byte{SOCKS5Version, CmdConnect, 0x00})
		require.NoError(t, WriteTargetAddress(client, "example.com:443"))
	}()

	target, err := AcceptSOCKS5(server)
	require.NoError(t, err)
	assert.Equal(t, "example.com:443", target)
}

func TestAcceptSOCKS5ParsesIPv4Target(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte{SOCKS5Version, 1, AuthNone})
		resp := make([]byte, 2)
		client.Read(resp)

		client.Write([]byte{SOCKS5Version, CmdConnect, 0x00})
		require.NoError(t, WriteTargetAddress(client, "10.0.0.1:8080"))
	}()

	target, err := AcceptSOCKS5(server)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:8080", target)
}

func TestAcceptSOCKS5RejectsWrongVersion(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte{0x04, 1, AuthNone})
	}()

	_, err := AcceptSOCKS5(server)
	assert.Error(t, err)
}

func TestWriteSOCKS5SuccessAndError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, WriteSOCKS5Success(server))
	}()

	buf := make([]byte, 10)
	client.SetReadDeadline(time.Now().Add(time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	assert.Equal(t, byte(SOCKS5Version), buf[0])
	assert.Equal(t, byte(ReplySuccess), buf[1])
	<-done
}
