package httpx

import (
	"net"
	"net/http"
)

type ClientMeta struct {
	UserAgent string
	IP        string
}

// ClientMetaFromRequest collects the caller details stored with refresh tokens.
func ClientMetaFromRequest(r *http.Request) ClientMeta {
	return ClientMeta{
		UserAgent: truncate(r.UserAgent(), 256),
		IP:        clientIP(r),
	}
}

// clientIP reads the socket address only. Forwarding headers are applied
// upstream by the router when the deployment trusts its proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return truncate(r.RemoteAddr, 64)
	}
	return host
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
