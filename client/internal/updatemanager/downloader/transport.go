package downloader

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/updatenode/updatenode/version"
)

const userAgent = "UpdateNode client/%s"

// TLSPolicy decides what happens when a server certificate fails validation
type TLSPolicy int

const (
	// TLSStrict fails the transfer with ErrTLSValidation
	TLSStrict TLSPolicy = iota
	// TLSBypass logs the validation failure and continues
	TLSBypass
)

func (p TLSPolicy) String() string {
	switch p {
	case TLSBypass:
		return "bypass"
	default:
		return "strict"
	}
}

// ParseTLSPolicy accepts "strict" (or empty) and "bypass"
func ParseTLSPolicy(s string) (TLSPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return TLSStrict, nil
	case "bypass", "insecure":
		return TLSBypass, nil
	default:
		return TLSStrict, fmt.Errorf("unknown tls policy %q", s)
	}
}

func newHTTPClient(cfg Config) (*http.Client, error) {
	dialer := &net.Dialer{
		Timeout:   cfg.Timeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig(cfg),
		TLSHandshakeTimeout:   cfg.Timeout,
		ResponseHeaderTimeout: cfg.Timeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
	}

	var rt http.RoundTripper = transport
	if cfg.HostOverride != "" {
		override, err := parseHostOverride(cfg.HostOverride)
		if err != nil {
			return nil, err
		}
		rt = &hostRewriter{target: override, next: transport}
	}

	return &http.Client{Transport: &userAgentTransport{next: rt}}, nil
}

func tlsConfig(cfg Config) *tls.Config {
	conf := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    cfg.RootCAs,
	}
	if cfg.TLSPolicy != TLSBypass {
		return conf
	}

	// verification still runs so failures end up in the log
	conf.InsecureSkipVerify = true
	conf.VerifyConnection = func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			log.Warnf("tls bypass: %s presented no certificate", cs.ServerName)
			return nil
		}
		opts := x509.VerifyOptions{
			Roots:         cfg.RootCAs,
			DNSName:       cs.ServerName,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range cs.PeerCertificates[1:] {
			opts.Intermediates.AddCert(cert)
		}
		if _, err := cs.PeerCertificates[0].Verify(opts); err != nil {
			log.Warnf("tls bypass: ignoring certificate error for %s: %v", cs.ServerName, err)
		}
		return nil
	}
	return conf
}

func parseHostOverride(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse host override: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("host override %q has no host", raw)
	}
	return u, nil
}

// hostRewriter sends every request to the configured scheme and host
type hostRewriter struct {
	target *url.URL
	next   http.RoundTripper
}

func (h *hostRewriter) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = h.target.Scheme
	r.URL.Host = h.target.Host
	r.Host = ""
	return h.next.RoundTrip(r)
}

type userAgentTransport struct {
	next http.RoundTripper
}

func (u *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		r := req.Clone(req.Context())
		r.Header.Set("User-Agent", fmt.Sprintf(userAgent, version.ClientVersion()))
		req = r
	}
	return u.next.RoundTrip(req)
}

// isTLSError reports certificate validation failures
func isTLSError(err error) bool {
	var verifyErr *tls.CertificateVerificationError
	if errors.As(err, &verifyErr) {
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return true
	}
	var hostname x509.HostnameError
	if errors.As(err, &hostname) {
		return true
	}
	var invalid x509.CertificateInvalidError
	return errors.As(err, &invalid)
}
