package middleware

import (
	"net"
	"net/http"
	"net/netip"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRealIPMiddleware は接続元が信頼済みプロキシの場合に限り、
// chi/middleware.RealIPでTrue-Client-IP・X-Real-IP・X-Forwarded-ForからRemoteAddrを書き換える。
// それ以外の接続ではヘッダーを無視し、RemoteAddrをそのまま使う。
// trustedが空であればヘッダーは常に無視される。
func NewRealIPMiddleware(trusted []netip.Prefix) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		realIP := chimw.RealIP(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isTrustedProxy(r.RemoteAddr, trusted) {
				realIP.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// isTrustedProxy はremoteAddrのIPがtrustedのいずれかに含まれるかを返す。
func isTrustedProxy(remoteAddr string, trusted []netip.Prefix) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
