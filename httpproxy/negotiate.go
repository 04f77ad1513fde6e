package httpproxy

// negotiateHandler implements the "Negotiate" (SPNEGO, RFC 4559) scheme by
// always selecting NTLM as its underlying mechanism. A full GSSAPI/Kerberos
// stack would also let it negotiate Kerberos, but no Kerberos library
// appears anywhere in the corpus this engine was grounded on, so that
// mechanism is left unimplemented (see DESIGN.md).
type negotiateHandler struct {
	conf   Conf
	params string

	inner ntlmHandler
}

func (h *negotiateHandler) scheme() string { return "negotiate" }

func (h *negotiateHandler) next(challengeParams string, state []byte) ([]string, []byte, bool, error) {
	h.inner.conf = h.conf
	header, nextState, final, err := h.inner.next(challengeParams, state)
	if err != nil {
		return nil, nil, false, err
	}
	out := make([]string, len(header))
	for i, v := range header {
		out[i] = "Negotiate " + v[len("NTLM "):]
	}
	return out, nextState, final, nil
}
