package walletrpc

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Credentials are the optional --rpc-login credentials of a
// monero-wallet-rpc daemon. The daemon protects /json_rpc with HTTP
// digest auth (MD5, qop=auth); this implements the client side.
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether no credentials were supplied.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

type digestChallenge struct {
	realm     string
	nonce     string
	opaque    string
	qop       string
	algorithm string
}

// parseDigestChallenge reads the parameters out of a WWW-Authenticate
// digest header.
func parseDigestChallenge(header string) (digestChallenge, error) {
	const prefix = "Digest "
	if !strings.HasPrefix(header, prefix) {
		return digestChallenge{}, fmt.Errorf("not a digest challenge: %q", header)
	}

	var ch digestChallenge
	for _, part := range strings.Split(header[len(prefix):], ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch strings.ToLower(key) {
		case "realm":
			ch.realm = value
		case "nonce":
			ch.nonce = value
		case "opaque":
			ch.opaque = value
		case "qop":
			ch.qop = value
		case "algorithm":
			ch.algorithm = value
		}
	}
	if ch.nonce == "" {
		return digestChallenge{}, fmt.Errorf("digest challenge carries no nonce: %q", header)
	}
	if ch.algorithm != "" && !strings.EqualFold(ch.algorithm, "MD5") {
		return digestChallenge{}, fmt.Errorf("unsupported digest algorithm %q", ch.algorithm)
	}
	return ch, nil
}

// authorize answers a digest challenge for one request, producing the
// Authorization header value.
func (c Credentials) authorize(header, method, uri string) (string, error) {
	ch, err := parseDigestChallenge(header)
	if err != nil {
		return "", err
	}

	cnonceBytes := make([]byte, 8)
	if _, err := rand.Read(cnonceBytes); err != nil {
		return "", fmt.Errorf("generate cnonce: %w", err)
	}
	cnonce := hex.EncodeToString(cnonceBytes)
	const nc = "00000001"

	ha1 := md5hex(c.Username + ":" + ch.realm + ":" + c.Password)
	ha2 := md5hex(method + ":" + uri)

	var sb strings.Builder
	fmt.Fprintf(&sb, `Digest username=%q, realm=%q, nonce=%q, uri=%q`,
		c.Username, ch.realm, ch.nonce, uri)

	if strings.Contains(ch.qop, "auth") {
		response := md5hex(ha1 + ":" + ch.nonce + ":" + nc + ":" + cnonce + ":auth:" + ha2)
		fmt.Fprintf(&sb, `, qop=auth, nc=%s, cnonce=%q, response=%q`, nc, cnonce, response)
	} else {
		response := md5hex(ha1 + ":" + ch.nonce + ":" + ha2)
		fmt.Fprintf(&sb, `, response=%q`, response)
	}
	fmt.Fprintf(&sb, `, algorithm=MD5`)
	if ch.opaque != "" {
		fmt.Fprintf(&sb, `, opaque=%q`, ch.opaque)
	}
	return sb.String(), nil
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
