package grpcserver

import (
	"context"
	"net"
	"net/netip"
	"strings"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// forwardedForKey carries the end client address when a trusted gateway
// calls on a client's behalf.
const forwardedForKey = "x-forwarded-for"

// WithForwardedPeer marks an outgoing call as made for the client at addr.
func WithForwardedPeer(ctx context.Context, addr string) context.Context {
	if addr == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, forwardedForKey, addr)
}

// remotePeer returns the client host without its port. The forwarded
// address is honoured only when the transport peer is loopback or inside
// one of the trusted prefixes.
func remotePeer(ctx context.Context, trusted []netip.Prefix) string {
	var transport string
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		transport = hostOnly(p.Addr.String())
	}
	if !trustedPeer(transport, trusted) {
		return transport
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for _, v := range md.Get(forwardedForKey) {
			if first, _, _ := strings.Cut(v, ","); strings.TrimSpace(first) != "" {
				return hostOnly(strings.TrimSpace(first))
			}
		}
	}
	return transport
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func trustedPeer(host string, trusted []netip.Prefix) bool {
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	if ip.IsLoopback() {
		return true
	}
	for _, p := range trusted {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}
