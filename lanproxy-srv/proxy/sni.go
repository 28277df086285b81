package proxy

import (
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"
)

// recordTypeHandshake is the first byte of a TLS handshake record
const recordTypeHandshake = 0x16

var (
	errNoClientHello = errors.New("no ClientHello received")
	errHelloCaptured = errors.New("ClientHello captured")
)

// readOnlyConn feeds a reader to crypto/tls. Writes fail, so a handshake
// stops right after the ClientHello has been parsed.
type readOnlyConn struct {
	reader io.Reader
}

func (c readOnlyConn) Read(p []byte) (int, error)         { return c.reader.Read(p) }
func (c readOnlyConn) Write(p []byte) (int, error)        { return 0, io.ErrClosedPipe }
func (c readOnlyConn) Close() error                       { return nil }
func (c readOnlyConn) LocalAddr() net.Addr                { return nil }
func (c readOnlyConn) RemoteAddr() net.Addr               { return nil }
func (c readOnlyConn) SetDeadline(t time.Time) error      { return nil }
func (c readOnlyConn) SetReadDeadline(t time.Time) error  { return nil }
func (c readOnlyConn) SetWriteDeadline(t time.Time) error { return nil }

// readClientHello parses the ClientHello at the head of r through the
// GetConfigForClient hook of crypto/tls. It returns the hello and every
// byte consumed from r, which the caller must replay to the origin.
func readClientHello(r io.Reader) (*tls.ClientHelloInfo, []byte, error) {
	var captured bytes.Buffer
	var hello *tls.ClientHelloInfo

	err := tls.Server(readOnlyConn{reader: io.TeeReader(r, &captured)}, &tls.Config{
		GetConfigForClient: func(info *tls.ClientHelloInfo) (*tls.Config, error) {
			copied := *info
			hello = &copied
			return nil, errHelloCaptured
		},
	}).Handshake()

	if hello == nil {
		if err == nil {
			err = errNoClientHello
		}
		return nil, captured.Bytes(), newError(ErrCodeTLSHandshakeFailed, err)
	}
	return hello, captured.Bytes(), nil
}
