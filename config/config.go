// Package config loads and validates the engine's JSON configuration file
// (§6). Each top-level section maps directly onto one protocol layer or
// service group.
package config

import (
	"encoding/json"
	"os"

	"github.com/5l1v3r1/ssf/sserr"
	"github.com/5l1v3r1/ssf/utils"
	"github.com/asaskevich/govalidator"
)

// TLSConf is section `ssf.tls`.
type TLSConf struct {
	CACertPath  string `json:"ca_cert_path"`
	CertPath    string `json:"cert_path"`
	KeyPath     string `json:"key_path"`
	KeyPassword string `json:"key_password"`
	DHPath      string `json:"dh_path"`
	CipherAlg   string `json:"cipher_alg"`
}

// HTTPProxyConf is section `ssf.http_proxy`.
type HTTPProxyConf struct {
	Host                     string `json:"host"`
	Port                     int    `json:"port" valid:"range(1|65535)"`
	Username                 string `json:"username"`
	Domain                   string `json:"domain"`
	Password                 string `json:"password"`
	UserAgent                string `json:"user_agent"`
	ReuseNTLMCredentials     bool   `json:"reuse_ntlm_credentials"`
	ReuseKerberosCredentials bool   `json:"reuse_kerberos_credentials"`
}

// SocksProxyConf is section `ssf.socks_proxy`.
type SocksProxyConf struct {
	Version int    `json:"version" valid:"range(4|5)"`
	Host    string `json:"host"`
	Port    int    `json:"port" valid:"range(1|65535)"`
}

// SockoptConf is section `ssf.sockopt`: low-level dial tuning applied to the
// raw TCP connection before any proxy/TLS layer negotiates on top of it
// (§5's "TCP socket buffers" back-pressure level).
type SockoptConf struct {
	Mark   int    `json:"mark,omitempty"`
	Device string `json:"device,omitempty"`
	BBR    bool   `json:"bbr,omitempty"`
}

// CircuitHop is one element of `ssf.circuit`: an ordered relay chain where
// each hop is itself a fiber relay (§3 Circuit).
type CircuitHop struct {
	Host string `json:"host"`
	Port int    `json:"port" valid:"range(1|65535)"`
}

// ServiceConf is one entry of `ssf.services`: a free-form per-service flag
// map, since each microservice (echo, forward, socks, ...) defines its own
// parameter shape.
type ServiceConf struct {
	FactoryID string                 `json:"factory_id"`
	Port      uint32                 `json:"port"`
	Params    map[string]interface{} `json:"params"`
}

// SSFSection is the config file's single top-level `ssf` object.
type SSFSection struct {
	TLS        TLSConf        `json:"tls"`
	HTTPProxy  *HTTPProxyConf `json:"http_proxy,omitempty"`
	SocksProxy *SocksProxyConf `json:"socks_proxy,omitempty"`
	Circuit    []CircuitHop   `json:"circuit,omitempty"`
	Services   []ServiceConf  `json:"services,omitempty"`
	Sockopt    *SockoptConf   `json:"sockopt,omitempty"`

	// Role-specific fields not in §6's table but required to drive the
	// stack builder: the listen address for a server, the connect address
	// for a client, and the reserved admin fiber port (§4.6).
	ListenAddr string `json:"listen_addr,omitempty"`
	DialAddr   string `json:"dial_addr,omitempty"`
	AdminPort  uint32 `json:"admin_port"`

	// ProxyProtocol, when set on a server, makes ssfs expect a PROXY
	// protocol v1/v2 header ahead of each inbound TLS handshake, so the
	// real client address survives a TCP load balancer in front of it.
	ProxyProtocol bool `json:"proxy_protocol,omitempty"`
}

type Root struct {
	SSF SSFSection `json:"ssf"`
}

// Load reads and validates a JSON config file.
func Load(path string) (*Root, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.ErrInErr{ErrDesc: "can't read config file", ErrDetail: err}
	}

	var root Root
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, utils.ErrInErr{ErrDesc: "can't parse config file", ErrDetail: err, Data: sserr.ErrInvalidArgument}
	}

	if err := Validate(&root); err != nil {
		return nil, err
	}
	return &root, nil
}

// Validate checks the tagged numeric ranges (ports, SOCKS version) via
// govalidator, plus the checks govalidator's tag vocabulary can't express:
// admin_port presence, cert/key/CA file existence, and proxy exclusivity.
// The listen_addr and dial_addr strings are not checked for host:port syntax.
func Validate(root *Root) error {
	if root.SSF.AdminPort == 0 {
		return utils.ErrInErr{ErrDesc: "ssf.admin_port is required", ErrDetail: sserr.ErrMissingField}
	}

	if _, err := govalidator.ValidateStruct(root.SSF); err != nil {
		return utils.ErrInErr{ErrDesc: "config validation failed", ErrDetail: err, Data: sserr.ErrInvalidArgument}
	}

	tls := root.SSF.TLS
	if tls.CertPath != "" && !utils.FileExist(utils.GetFilePath(tls.CertPath)) {
		return utils.ErrInErr{ErrDesc: "ssf.tls.cert_path does not exist", ErrDetail: sserr.ErrInvalidArgument, Data: tls.CertPath}
	}
	if tls.KeyPath != "" && !utils.FileExist(utils.GetFilePath(tls.KeyPath)) {
		return utils.ErrInErr{ErrDesc: "ssf.tls.key_path does not exist", ErrDetail: sserr.ErrInvalidArgument, Data: tls.KeyPath}
	}
	if tls.CACertPath != "" && !utils.FileExist(utils.GetFilePath(tls.CACertPath)) {
		return utils.ErrInErr{ErrDesc: "ssf.tls.ca_cert_path does not exist", ErrDetail: sserr.ErrInvalidArgument, Data: tls.CACertPath}
	}

	if root.SSF.HTTPProxy != nil && root.SSF.SocksProxy != nil {
		return utils.ErrInErr{ErrDesc: "ssf.http_proxy and ssf.socks_proxy are mutually exclusive", ErrDetail: sserr.ErrInvalidArgument}
	}

	return nil
}
