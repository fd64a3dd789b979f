package coap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/plgd-dev/coap-twin-adapter/pkg/log"
)

func TLSConfigToDTLSConfig(tlsConfig *tls.Config) *dtls.Config {
	var getClientCertificate func(cri *dtls.CertificateRequestInfo) (*tls.Certificate, error)
	if tlsConfig.GetClientCertificate != nil {
		getClientCertificate = func(cri *dtls.CertificateRequestInfo) (*tls.Certificate, error) {
			return tlsConfig.GetClientCertificate(&tls.CertificateRequestInfo{AcceptableCAs: cri.AcceptableCAs})
		}
	}
	return &dtls.Config{
		VerifyPeerCertificate: tlsConfig.VerifyPeerCertificate,
		RootCAs:               tlsConfig.RootCAs,
		InsecureSkipVerify:    tlsConfig.InsecureSkipVerify,
		Certificates:          tlsConfig.Certificates,
		ServerName:            tlsConfig.ServerName,
		GetClientCertificate:  getClientCertificate,
		CipherSuites:          []dtls.CipherSuiteID{dtls.TLS_ECDHE_ECDSA_WITH_AES_128_CCM, dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256, dtls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384},
	}
}

func (c *DTLSConfig) toTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec
		MinVersion:         tls.VersionTLS12,
	}
	if len(c.CAPool) > 0 {
		pool := x509.NewCertPool()
		for _, ca := range c.CAPool {
			pem, err := ca.Read()
			if err != nil {
				return nil, fmt.Errorf("cannot read ca %v: %w", ca, err)
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("invalid ca %v", ca)
			}
		}
		cfg.RootCAs = pool
	}
	if c.CertFile != "" {
		certPEM, err := c.CertFile.Read()
		if err != nil {
			return nil, fmt.Errorf("cannot read certificate: %w", err)
		}
		keyPEM, err := c.KeyFile.Read()
		if err != nil {
			return nil, fmt.Errorf("cannot read private key: %w", err)
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("cannot load key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ToDTLSConfig loads the secrets and creates the pion configuration. PSK takes precedence over certificates.
func (c *DTLSConfig) ToDTLSConfig(logger log.Logger) (*dtls.Config, error) {
	var cfg *dtls.Config
	if c.PSK.IsSet() {
		key, err := c.PSK.Key.Read()
		if err != nil {
			return nil, fmt.Errorf("cannot read psk: %w", err)
		}
		cfg = &dtls.Config{
			PSK: func([]byte) ([]byte, error) {
				return key, nil
			},
			PSKIdentityHint: []byte(c.PSK.Identity),
			CipherSuites:    []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_CCM_8, dtls.TLS_PSK_WITH_AES_128_GCM_SHA256},
		}
	} else {
		tlsCfg, err := c.toTLSConfig()
		if err != nil {
			return nil, err
		}
		cfg = TLSConfigToDTLSConfig(tlsCfg)
	}
	handshakeTimeout := c.HandshakeTimeout
	if handshakeTimeout == 0 {
		handshakeTimeout = 30 * time.Second
	}
	cfg.ConnectContextMaker = func() (context.Context, func()) {
		return context.WithTimeout(context.Background(), handshakeTimeout)
	}
	if logger != nil {
		cfg.LoggerFactory = logger.DTLSLoggerFactory()
	}
	return cfg, nil
}
