package p2p

import (
	"context"
	"net"
)

type Dialer struct {
	cfg Config
}

func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.cfg.HandshakeTimeout}
	return nd.DialContext(ctx, "tcp", addr)
}
