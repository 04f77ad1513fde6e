package httpproxy

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/5l1v3r1/ssf/sserr"
	"github.com/5l1v3r1/ssf/utils"
)

// digestHandler implements RFC 2617 Digest auth, MD5 / qop=auth only.
type digestHandler struct {
	conf  Conf
	params string
	nc    int
}

func (h *digestHandler) scheme() string { return "digest" }

func (h *digestHandler) next(challengeParams string, _ []byte) ([]string, []byte, bool, error) {
	attrs := parseDigestParams(challengeParams)
	realm := attrs["realm"]
	nonce := attrs["nonce"]
	if nonce == "" {
		return nil, nil, false, sserr.ErrProxyAuthFailed
	}
	qop := attrs["qop"]

	h.nc++
	nc := fmt.Sprintf("%08x", h.nc)
	cnonce := utils.GenerateRandomString()

	uri := "/" // CONNECT's request-target is the authority, digest uses "/"
	ha1 := md5hex(h.conf.Username + ":" + realm + ":" + h.conf.Password)
	ha2 := md5hex("CONNECT:" + uri)

	var response string
	if qop != "" {
		response = md5hex(strings.Join([]string{ha1, nonce, nc, cnonce, "auth", ha2}, ":"))
	} else {
		response = md5hex(ha1 + ":" + nonce + ":" + ha2)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		h.conf.Username, realm, nonce, uri, response)
	if qop != "" {
		fmt.Fprintf(&sb, `, qop=auth, nc=%s, cnonce="%s"`, nc, cnonce)
	}
	if opaque := attrs["opaque"]; opaque != "" {
		fmt.Fprintf(&sb, `, opaque="%s"`, opaque)
	}

	return []string{sb.String()}, nil, true, nil
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// parseDigestParams splits `key="value", key2=value2` challenge params.
func parseDigestParams(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		v = strings.Trim(strings.TrimSpace(v), `"`)
		out[strings.TrimSpace(k)] = v
	}
	return out
}
