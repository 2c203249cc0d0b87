package transport

import (
	"fmt"

	"github.com/sirosfoundation/go-socket-server/internal/protocol"
)

const policyTemplate = `<?xml version="1.0"?><cross-domain-policy><allow-access-from domain="%s" to-ports="%d" /></cross-domain-policy>`

// Policy serves the cross-domain policy document to raw-socket clients.
type Policy struct {
	Domain string
}

// NewPolicy returns a policy allowing domain; an empty domain allows all.
func NewPolicy(domain string) *Policy {
	if domain == "" {
		domain = "*"
	}
	return &Policy{Domain: domain}
}

// PolicyFile renders the document for the listener on port.
func (p *Policy) PolicyFile(port int) []byte {
	return fmt.Appendf(nil, policyTemplate, protocol.EscapeXML(p.Domain), port)
}
