package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// EndpointPolicy controls which wallet RPC endpoints may be registered.
type EndpointPolicy struct {
	// AllowPrivate permits loopback and RFC1918 addresses. Client wallet
	// daemons frequently run on the participant's own machine or LAN, so
	// development deployments enable this.
	AllowPrivate bool
}

// ValidateEndpointURL checks that an endpoint URL is safe for server-side requests.
// Blocks private, loopback, link-local, and unspecified IPs to prevent SSRF attacks
// unless the policy allows private addresses. Both the literal host and
// DNS-resolved addresses are checked.
func ValidateEndpointURL(rawURL string, policy EndpointPolicy) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}

	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}

	host := u.Hostname()

	// Block known internal hostnames regardless of policy
	blocked := []string{"metadata.google.internal", "metadata.google"}
	for _, b := range blocked {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	if strings.EqualFold(host, "localhost") && !policy.AllowPrivate {
		return fmt.Errorf("URL host %q is not allowed", host)
	}

	// Block private/loopback/link-local IP literals
	ip := net.ParseIP(host)
	if ip != nil {
		if err := checkIP(ip, policy); err != nil {
			return err
		}
		return nil // IP literal checked, no DNS resolution needed
	}

	if strings.EqualFold(host, "localhost") {
		return nil // Allowed above; resolving it is pointless
	}

	// Resolve hostname and check all resolved IPs
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, ipStr := range ips {
		resolved := net.ParseIP(ipStr)
		if resolved != nil {
			if err := checkIP(resolved, policy); err != nil {
				return fmt.Errorf("URL host %q resolves to blocked address: %v", host, err)
			}
		}
	}

	return nil
}

func checkIP(ip net.IP, policy EndpointPolicy) error {
	if ip.IsUnspecified() {
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	if policy.AllowPrivate {
		return nil
	}
	if ip.IsLoopback() {
		return fmt.Errorf("loopback addresses are not allowed")
	}
	if ip.IsPrivate() {
		return fmt.Errorf("private addresses are not allowed")
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("link-local addresses are not allowed")
	}
	return nil
}
