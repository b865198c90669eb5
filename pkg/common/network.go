package common

import (
	"context"
	"net"
)

// DialContextIPv6 dials over tcp6 only.
func DialContextIPv6(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp6", address)
}
