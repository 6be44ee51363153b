package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/cuemby/failover/pkg/log"
)

// TLSConfig builds a mutual TLS config from a directory written by
// SaveCertToFile and SaveCACertToFile. Both sides present their
// certificate and accept only peers signed by the same CA.
func TLSConfig(certDir string) (*tls.Config, error) {
	cert, err := LoadCertFromFile(certDir)
	if err != nil {
		return nil, err
	}
	ca, err := LoadCACertFromFile(certDir)
	if err != nil {
		return nil, err
	}
	if err := ValidateCertChain(cert.Leaf, ca); err != nil {
		return nil, fmt.Errorf("certificate in %s is not signed by its CA: %w", certDir, err)
	}
	if CertNeedsRotation(cert.Leaf) {
		logger := log.WithComponent("security")
		logger.Warn().
			Str("subject", cert.Leaf.Subject.CommonName).
			Time("expires", cert.Leaf.NotAfter).
			Msg("Certificate expires soon, issue a new one")
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca)
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}
