package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/kcenon/pacs-system-sub002/pkg/connpool"
	"github.com/kcenon/pacs-system-sub002/pkg/pacserrors"
	"github.com/kcenon/pacs-system-sub002/pkg/peer"
	"github.com/kcenon/pacs-system-sub002/pkg/types"
)

// tcpConnection is the connpool.Connection this binary hands to the
// core: a real, dialed TCP socket to a peer's AE, with no DICOM
// association negotiated on top of it. Negotiating and speaking the
// DICOM upper-layer protocol is explicitly out of scope (spec §1) and
// is where a real SCU/SCP implementation plugs in, in place of this
// stub.
type tcpConnection struct {
	id   string
	conn net.Conn
}

func (c *tcpConnection) ID() string { return c.id }

func (c *tcpConnection) Validate(ctx context.Context) bool {
	one := make([]byte, 1)
	_ = c.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := c.conn.Read(one)
	_ = c.conn.SetReadDeadline(time.Time{})
	// A read timeout means the socket is alive and simply idle; any
	// other error (EOF, reset) means it's gone.
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	return err == nil
}

func (c *tcpConnection) Reset() {}

func (c *tcpConnection) Close() error {
	return c.conn.Close()
}

// tcpFactoryBuilder implements nodemanager.ConnFactoryBuilder by
// dialing a node's host:port. It satisfies the connection pool's
// contract (spec §4.1) without implementing any DICOM semantics.
type tcpFactoryBuilder struct {
	dialTimeout time.Duration
}

func (b *tcpFactoryBuilder) Build(node *types.Node) connpool.Factory {
	return &tcpFactory{node: node, dialTimeout: b.dialTimeout}
}

type tcpFactory struct {
	node        *types.Node
	dialTimeout time.Duration
}

func (f *tcpFactory) Create(ctx context.Context) (connpool.Connection, error) {
	d := net.Dialer{Timeout: f.dialTimeout}
	addr := fmt.Sprintf("%s:%d", f.node.Host, f.node.Port)
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, pacserrors.NewNetworkError("dial "+addr, err)
	}
	return &tcpConnection{id: f.node.ID + "@" + addr, conn: conn}, nil
}

// unimplementedSCU is the placeholder peer.SCU this binary registers
// until a real DICOM SCU implementation (spec §6.1, out of scope per
// §1) is wired in its place. It keeps the wire open long enough to
// report a clear, taxonomy-tagged error rather than panicking, so the
// job manager's retry/breaker machinery still exercises its normal
// failure path end to end.
type unimplementedSCU struct{}

func (unimplementedSCU) Echo(ctx context.Context, conn connpool.Connection) error {
	return pacserrors.New(pacserrors.TypeInternal, "dicom SCU not wired: Echo")
}

func (unimplementedSCU) Find(ctx context.Context, conn connpool.Connection, query peer.Dataset) (<-chan peer.Dataset, error) {
	return nil, pacserrors.New(pacserrors.TypeInternal, "dicom SCU not wired: Find")
}

func (unimplementedSCU) Move(ctx context.Context, conn connpool.Connection, destinationAE string, query peer.Dataset, progress peer.ProgressCallback) error {
	return pacserrors.New(pacserrors.TypeInternal, "dicom SCU not wired: Move")
}

func (unimplementedSCU) Store(ctx context.Context, conn connpool.Connection, dataset peer.Dataset, progress peer.ProgressCallback) error {
	return pacserrors.New(pacserrors.TypeInternal, "dicom SCU not wired: Store")
}
