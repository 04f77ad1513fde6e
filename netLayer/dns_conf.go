package netLayer

// DnsConf names a single upstream DNS resolver. config.Root has no section
// that carries it, and no other package calls LoadResolver.
type DnsConf struct {
	Server string `json:"server"` // e.g. "udp://1.1.1.1:53"
}

// LoadResolver dials the configured upstream, or returns nil if none was
// configured.
func LoadResolver(conf *DnsConf) (*Resolver, error) {
	if conf == nil || conf.Server == "" {
		return nil, nil
	}
	return NewResolver(conf.Server)
}
