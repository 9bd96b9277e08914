package proxy

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// AcceptSOCKS5 performs the server side of a SOCKS5 greeting and CONNECT
// request on conn, the same no-auth subset cmd/gateway-client's local
// bridge listener speaks to whatever application dialed it. It returns the
// requested target address in host:port form.
func AcceptSOCKS5(conn net.Conn) (string, error) {
	buf := make([]byte, 258)

	if _, err := io.ReadFull(conn, buf[:2]); err != nil {
		return "", fmt.Errorf("socks5: read greeting: %w", err)
	}
	if buf[0] != SOCKS5Version {
		return "", fmt.Errorf("socks5: unexpected version %d", buf[0])
	}

	nmethods := int(buf[1])
	if _, err := io.ReadFull(conn, buf[:nmethods]); err != nil {
		return "", fmt.Errorf("socks5: read methods: %w", err)
	}
	if _, err := conn.Write([]byte{SOCKS5Version, AuthNone}); err != nil {
		return "", fmt.Errorf("socks5: write method choice: %w", err)
	}

	if _, err := io.ReadFull(conn, buf[:4]); err != nil {
		return "", fmt.Errorf("socks5: read request header: %w", err)
	}
	if buf[0] != SOCKS5Version || buf[1] != CmdConnect {
		WriteSOCKS5Error(conn, ReplyCommandNotSupported)
		return "", fmt.Errorf("socks5: unsupported command %d", buf[1])
	}

	var host string
	switch buf[3] {
	case AddrTypeIPv4:
		if _, err := io.ReadFull(conn, buf[:4]); err != nil {
			return "", err
		}
		host = net.IP(buf[:4]).String()
	case AddrTypeDomain:
		if _, err := io.ReadFull(conn, buf[:1]); err != nil {
			return "", err
		}
		n := int(buf[0])
		if _, err := io.ReadFull(conn, buf[:n]); err != nil {
			return "", err
		}
		host = string(buf[:n])
	case AddrTypeIPv6:
		if _, err := io.ReadFull(conn, buf[:16]); err != nil {
			return "", err
		}
		host = net.IP(buf[:16]).String()
	default:
		WriteSOCKS5Error(conn, ReplyAddressNotSupported)
		return "", fmt.Errorf("socks5: unsupported address type %d", buf[3])
	}

	if _, err := io.ReadFull(conn, buf[:2]); err != nil {
		return "", err
	}
	port := binary.BigEndian.Uint16(buf[:2])

	return net.JoinHostPort(host, fmt.Sprintf("%d", port)), nil
}

// WriteSOCKS5Success replies to a pending CONNECT request with a bound
// address of 0.0.0.0:0, the same stand-in the original handler used since
// the actual bound address lives on the far side of the mixnet and cannot
// be reported honestly.
func WriteSOCKS5Success(conn net.Conn) error {
	_, err := conn.Write([]byte{SOCKS5Version, ReplySuccess, 0x00, AddrTypeIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

// WriteSOCKS5Error replies to a pending CONNECT request with the given
// reply code.
func WriteSOCKS5Error(conn net.Conn, code byte) error {
	_, err := conn.Write([]byte{SOCKS5Version, code, 0x00, AddrTypeIPv4, 0, 0, 0, 0, 0, 0})
	return err
}
