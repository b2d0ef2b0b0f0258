package peer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/saveenergy/speedkit/internal/config"
	"github.com/saveenergy/speedkit/internal/logging"
)

// TLSConfig returns the server TLS configuration for the data port: the
// configured key pair if set, otherwise a self-signed certificate kept in
// cfg.CertDir and generated on first use.
func TLSConfig(cfg *config.PeerConfig) (*tls.Config, error) {
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS cert/key: %w", err)
		}
		logging.Info("Loaded TLS certificate",
			logging.F("cert", cfg.TLSCertFile),
			logging.F("key", cfg.TLSKeyFile))
		return serverTLS(cert), nil
	}
	return selfSigned(cfg)
}

func serverTLS(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}

func selfSigned(cfg *config.PeerConfig) (*tls.Config, error) {
	certFile := filepath.Join(cfg.CertDir, "peer.crt")
	keyFile := filepath.Join(cfg.CertDir, "peer.key")

	if cert, err := tls.LoadX509KeyPair(certFile, keyFile); err == nil {
		logging.Info("Using existing self-signed certificate", logging.F("path", cfg.CertDir))
		return serverTLS(cert), nil
	}

	if err := os.MkdirAll(cfg.CertDir, 0700); err != nil {
		return nil, fmt.Errorf("create cert directory: %w", err)
	}

	certPEM, keyPEM, err := generateCert(cfg.PublicHost)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		return nil, fmt.Errorf("write cert file: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}

	logging.Info("Generated self-signed certificate",
		logging.F("path", cfg.CertDir),
		logging.F("valid_for", "1 year"))

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load generated cert: %w", err)
	}
	return serverTLS(cert), nil
}

// generateCert returns a PEM encoded ECDSA P-256 certificate and key valid
// for localhost, the loopback addresses and publicHost.
func generateCert(publicHost string) ([]byte, []byte, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"speedkit peer"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		DNSNames:              []string{"localhost"},
	}
	if publicHost != "" {
		if ip := net.ParseIP(publicHost); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, publicHost)
		}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	keyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	return certPEM, keyPEM, nil
}
