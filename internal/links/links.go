// Package links builds client connection URIs from issued credentials.
package links

import (
	"fmt"
	"net/url"

	"github.com/oxidizr/xagent/internal/config"
)

// Builder renders vless:// URIs for a REALITY inbound. All parameters are
// opaque pass-through values; nothing here talks to the proxy.
type Builder struct {
	cfg config.LinkConfig
}

func NewBuilder(cfg config.LinkConfig) *Builder {
	return &Builder{cfg: cfg}
}

// Enabled reports whether enough link parameters are configured to render a
// usable URI. PublicHost and the REALITY public key are the hard minimum.
func (b *Builder) Enabled() bool {
	return b.cfg.PublicHost != "" && b.cfg.RealityPBK != ""
}

// Build renders the connection URI for one issued client. The email lands in
// the URI fragment so client apps show it as the profile name.
func (b *Builder) Build(uuid, email, flow string) string {
	if !b.Enabled() {
		return ""
	}

	port := b.cfg.PublicPort
	if port == 0 {
		port = 443
	}

	q := url.Values{}
	q.Set("encryption", "none")
	if flow != "" {
		q.Set("flow", flow)
	}
	q.Set("security", "reality")
	if b.cfg.RealitySNI != "" {
		q.Set("sni", b.cfg.RealitySNI)
	}
	if b.cfg.RealityFP != "" {
		q.Set("fp", b.cfg.RealityFP)
	}
	q.Set("pbk", b.cfg.RealityPBK)
	if b.cfg.RealitySID != "" {
		q.Set("sid", b.cfg.RealitySID)
	}
	q.Set("type", "tcp")

	return fmt.Sprintf("vless://%s@%s:%d?%s#%s",
		uuid, b.cfg.PublicHost, port, q.Encode(), url.PathEscape("VPN-"+email))
}
