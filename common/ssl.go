package common

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

const (
	certFileName = "relay_cert.pem"
	keyFileName  = "relay_key.pem"
)

var ErrCertificateExpired = errors.New("relay certificate has expired")

// CreateKeyPair loads relay_cert.pem and relay_key.pem from certificatesPath.
// A certificate past its NotAfter is refused.
func CreateKeyPair(certificatesPath string) (tls.Certificate, error) {
	certFile := filepath.Join(certificatesPath, certFileName)
	keyPair, err := tls.LoadX509KeyPair(certFile, filepath.Join(certificatesPath, keyFileName))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("could not load key pair from %s: %w", certificatesPath, err)
	}

	leaf, err := x509.ParseCertificate(keyPair.Certificate[0])
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("could not parse %s: %w", certFile, err)
	}
	if time.Now().After(leaf.NotAfter) {
		return tls.Certificate{}, fmt.Errorf("%w: %s expired at %s", ErrCertificateExpired, certFile, leaf.NotAfter.UTC().Format(time.RFC3339))
	}
	keyPair.Leaf = leaf
	return keyPair, nil
}
