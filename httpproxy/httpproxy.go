// Package httpproxy implements the L1 HTTP-proxy traversal layer: it
// tunnels the next (TLS or fiber) layer's bytes through an HTTP CONNECT
// request, authenticating against the proxy with whichever of
// Negotiate/NTLM/Digest/Basic the configured credentials can satisfy.
package httpproxy

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/5l1v3r1/ssf/sserr"
	"github.com/5l1v3r1/ssf/utils"
	"go.uber.org/zap"
)

// maxAuthRounds bounds multi-round schemes (NTLM, Negotiate); §4.2.
const maxAuthRounds = 10

// Conf carries everything the layer needs to authenticate against the
// proxy; it mirrors config section ssf.http_proxy verbatim.
type Conf struct {
	Host      string
	Port      int
	Username  string
	Domain    string
	Password  string
	UserAgent string

	ReuseNTLMCredentials      bool
	ReuseKerberosCredentials  bool
}

// Layer drives the CONNECT handshake over an already-established next-layer
// (TCP) connection and, on success, hands back a net.Conn that carries raw
// bytes for every layer above it.
type Layer struct {
	conf   Conf
	target string // "host:port" of the real destination, beyond the proxy
}

func NewLayer(conf Conf, targetHost string, targetPort int) *Layer {
	return &Layer{conf: conf, target: net.JoinHostPort(targetHost, fmt.Sprint(targetPort))}
}

// Connect performs the CONNECT handshake over underlay, which must already
// be a live TCP connection to conf.Host:conf.Port (§4.1: "establish the
// next-layer connection, then perform this layer's handshake").
func (l *Layer) Connect(underlay net.Conn) (net.Conn, error) {
	br := bufio.NewReader(underlay)

	err := schemeRequest(underlay, br, l.target, l.conf, nil)
	if err == nil {
		return underlay, nil // proxy required no auth at all
	}
	challenge, ok := err.(*authChallengeError)
	if !ok {
		return nil, err
	}

	handler, hErr := pickScheme(challenge.schemes, l.conf)
	if hErr != nil {
		return nil, hErr
	}
	challenge.params = challenge.schemes[handler.scheme()]

	var state []byte
	for round := 0; round < maxAuthRounds; round++ {
		authHeader, nextState, done, hErr := handler.next(challenge.params, state)
		if hErr != nil {
			return nil, hErr
		}
		state = nextState

		resp, rErr := schemeRequestRaw(underlay, br, l.target, l.conf, authHeader)
		if rErr != nil {
			return nil, rErr
		}

		if resp.StatusCode/100 == 2 {
			return underlay, nil
		}
		if resp.StatusCode != http.StatusProxyAuthRequired {
			return nil, sserr.ErrProxyRejected
		}
		if done {
			// scheme claims it finished but proxy still says 407.
			return nil, sserr.ErrProxyAuthFailed
		}
		challenge = parseChallenge(resp, handler.scheme())
	}
	return nil, sserr.ErrProxyAuthFailed
}

// authChallengeError carries the 407 response's parsed challenges back up
// to Connect, as a typed error so schemeRequest's single call site can
// branch on "got 407" vs "hard failure" without a second network round.
type authChallengeError struct {
	schemes map[string]string // scheme name (lowercased) -> challenge params
	params  string
}

func (e *authChallengeError) Error() string { return "proxy requires authentication" }

// schemeRequest issues one CONNECT and, on 2xx, returns nil (success); on
// 407, returns *authChallengeError; otherwise ErrProxyRejected.
func schemeRequest(conn net.Conn, br *bufio.Reader, target string, conf Conf, authHeader []string) error {
	resp, err := schemeRequestRaw(conn, br, target, conf, authHeader)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 == 2 {
		return nil
	}
	if resp.StatusCode == http.StatusProxyAuthRequired {
		return &authChallengeError{schemes: parseSchemes(resp)}
	}
	return sserr.ErrProxyRejected
}

func schemeRequestRaw(conn net.Conn, br *bufio.Reader, target string, conf Conf, authHeader []string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodConnect, "http://"+target, nil)
	if err != nil {
		return nil, err
	}
	req.Host = target
	if conf.UserAgent != "" {
		req.Header.Set("User-Agent", conf.UserAgent)
	}
	for _, h := range authHeader {
		req.Header.Add("Proxy-Authorization", h)
	}

	if ce := utils.CanLogDebug("http proxy CONNECT"); ce != nil {
		ce.Write(zap.String("target", target))
	}

	if err := req.Write(conn); err != nil {
		return nil, utils.ErrInErr{ErrDesc: "write CONNECT request failed", ErrDetail: err}
	}

	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, utils.ErrInErr{ErrDesc: "read CONNECT response failed", ErrDetail: err}
	}
	return resp, nil
}

// parseSchemes splits every Proxy-Authenticate header into
// scheme-name -> challenge-params, lowercasing the scheme name.
func parseSchemes(resp *http.Response) map[string]string {
	out := make(map[string]string)
	for _, h := range resp.Header.Values("Proxy-Authenticate") {
		h = strings.TrimSpace(h)
		name, params, _ := strings.Cut(h, " ")
		out[strings.ToLower(name)] = strings.TrimSpace(params)
	}
	return out
}

func parseChallenge(resp *http.Response, scheme string) *authChallengeError {
	schemes := parseSchemes(resp)
	return &authChallengeError{schemes: schemes, params: schemes[scheme]}
}

// authHandler drives one scheme's request/response rounds. next returns the
// Proxy-Authorization header value(s) to send, the opaque state to pass to
// the following round, and whether this round is expected to finish auth.
type authHandler interface {
	scheme() string
	next(challengeParams string, state []byte) (header []string, nextState []byte, final bool, err error)
}

// pickScheme selects the strongest scheme the configured credentials can
// satisfy, in preference order Negotiate > NTLM > Digest > Basic (§4.2).
func pickScheme(schemes map[string]string, conf Conf) (authHandler, error) {
	if conf.Username == "" && conf.Password == "" {
		return nil, sserr.ErrProxyAuthUnsupported
	}

	if params, ok := schemes["negotiate"]; ok {
		return &negotiateHandler{conf: conf, params: params}, nil
	}
	if params, ok := schemes["ntlm"]; ok {
		return &ntlmHandler{conf: conf, params: params}, nil
	}
	if params, ok := schemes["digest"]; ok {
		return &digestHandler{conf: conf, params: params}, nil
	}
	if _, ok := schemes["basic"]; ok {
		return &basicHandler{conf: conf}, nil
	}
	return nil, sserr.ErrProxyAuthUnsupported
}
