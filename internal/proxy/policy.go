// Package proxy implements the tenant-isolating bridge between browser clients and the shared
// gateway. Every frame crossing the bridge is classified by method policy, rewritten to the
// tenant's agent identity where needed, and filtered on the way back.
package proxy

// Policy decides how a gateway method is proxied for a tenant connection.
type Policy int

const (
	// PolicyBlock rejects the request with a synthetic error response.
	PolicyBlock Policy = iota
	// PolicyAllow forwards the request unchanged.
	PolicyAllow
	// PolicyRewrite forces tenant identity into the request params.
	PolicyRewrite
	// PolicyFilter forwards the request and filters the response payload.
	PolicyFilter
	// PolicyTransform marks methods that only the platform may issue, through its REST API.
	PolicyTransform
)

func (p Policy) String() string {
	switch p {
	case PolicyAllow:
		return "allow"
	case PolicyRewrite:
		return "rewrite"
	case PolicyFilter:
		return "filter"
	case PolicyTransform:
		return "transform"
	default:
		return "block"
	}
}

// methodPolicies is the full allow-list. Anything missing is blocked.
var methodPolicies = map[string]Policy{
	// The proxy performs its own connect.
	"connect": PolicyBlock,

	"config.get":    PolicyBlock,
	"config.set":    PolicyBlock,
	"config.apply":  PolicyBlock,
	"config.patch":  PolicyTransform,
	"config.schema": PolicyAllow,

	"health":      PolicyAllow,
	"models.list": PolicyAllow,

	"agents.list":       PolicyFilter,
	"agents.files.list": PolicyRewrite,
	"agents.files.get":  PolicyRewrite,
	"agents.files.set":  PolicyRewrite,

	"sessions.list":   PolicyRewrite,
	"sessions.get":    PolicyRewrite,
	"sessions.create": PolicyRewrite,
	"sessions.delete": PolicyRewrite,

	"chat.send": PolicyAllow,
	"chat.stop": PolicyAllow,

	"skills.list":    PolicyAllow,
	"skills.install": PolicyBlock,
	"skills.update":  PolicyBlock,
	"skills.remove":  PolicyBlock,

	"channels.status":   PolicyAllow,
	"channels.accounts": PolicyBlock,
	"channels.config":   PolicyBlock,

	// WhatsApp login runs against the tenant's own account id.
	"web.login.start": PolicyRewrite,
	"web.login.wait":  PolicyRewrite,

	"node.list":      PolicyBlock,
	"node.approve":   PolicyBlock,
	"node.reject":    PolicyBlock,
	"node.remove":    PolicyBlock,
	"device.list":    PolicyBlock,
	"device.approve": PolicyBlock,
	"device.reject":  PolicyBlock,
	"device.remove":  PolicyBlock,
	"exec.run":       PolicyBlock,
	"logs.tail":      PolicyBlock,
	"update.run":     PolicyBlock,
	"update.check":   PolicyBlock,
}

// Classify returns the policy for method. Unknown methods are blocked.
func Classify(method string) Policy {
	if p, ok := methodPolicies[method]; ok {
		return p
	}
	return PolicyBlock
}

// IsBlocked reports whether method never reaches the gateway as-is from a tenant.
func IsBlocked(method string) bool {
	p := Classify(method)
	return p == PolicyBlock || p == PolicyTransform
}
