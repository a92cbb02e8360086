package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"otwatch/models"
)

// newTLSConfig assembles the mutual-TLS client configuration. A missing
// or unreadable certificate is a configuration error; an expired or
// not-yet-valid client certificate is a security error. NewClient wraps
// either as ErrConnectionFailed: a pipeline that cannot authenticate
// must not start.
func newTLSConfig(caPath, certPath, keyPath string, minVersion uint16) (*tls.Config, error) {
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, models.E(models.KindConfiguration, "transport.tls",
			fmt.Errorf("read CA certificate: %w", err))
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, models.E(models.KindConfiguration, "transport.tls",
			fmt.Errorf("no usable CA certificates in %s", caPath))
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, models.E(models.KindConfiguration, "transport.tls",
			fmt.Errorf("load client keypair: %w", err))
	}
	if err := checkNotExpired(certPath); err != nil {
		return nil, err
	}

	if minVersion == 0 {
		minVersion = tls.VersionTLS13
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}, nil
}

func checkNotExpired(certPath string) error {
	raw, err := os.ReadFile(certPath)
	if err != nil {
		return models.E(models.KindConfiguration, "transport.tls", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return models.E(models.KindConfiguration, "transport.tls",
			fmt.Errorf("certificate %s is not PEM", certPath))
	}
	parsed, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return models.E(models.KindConfiguration, "transport.tls", err)
	}
	now := time.Now()
	if now.After(parsed.NotAfter) {
		return models.E(models.KindSecurity, "transport.tls",
			fmt.Errorf("client certificate expired %s", parsed.NotAfter.Format(time.RFC3339)))
	}
	if now.Before(parsed.NotBefore) {
		return models.E(models.KindSecurity, "transport.tls",
			fmt.Errorf("client certificate not valid until %s", parsed.NotBefore.Format(time.RFC3339)))
	}
	return nil
}

// TLSVersion maps the config string to the crypto/tls constant.
func TLSVersion(s string) uint16 {
	if s == "1.2" {
		return tls.VersionTLS12
	}
	return tls.VersionTLS13
}
