package rabbitmq

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/glimte/mmate-rabbit/config"
)

var tlsVersions = map[string]uint16{
	"TLS":     0, // library default minimum
	"TLSV1":   tls.VersionTLS10,
	"TLSV1.0": tls.VersionTLS10,
	"TLSV1.1": tls.VersionTLS11,
	"TLSV1.2": tls.VersionTLS12,
	"TLSV1.3": tls.VersionTLS13,
}

// buildTLS loads trust and identity material and returns the client TLS
// configuration together with the resolved hostname verification flag.
func buildTLS(tc *config.TLSConfig, caps Capabilities) (*tls.Config, *bool, error) {
	algorithm := tc.Algorithm
	if algorithm == "" {
		algorithm = config.DefaultTLSAlgorithm
	}
	minVersion, ok := tlsVersions[strings.ToUpper(algorithm)]
	if !ok {
		return nil, nil, &TLSConfigError{Field: "ssl.algorithm", Err: fmt.Errorf("unsupported algorithm %q", algorithm)}
	}
	if err := checkStoreType("ssl.keyStoreType", tc.KeyStoreType); err != nil {
		return nil, nil, err
	}
	if err := checkStoreType("ssl.trustStoreType", tc.TrustStoreType); err != nil {
		return nil, nil, err
	}

	cfg := &tls.Config{MinVersion: minVersion}

	if tc.TrustStore != "" {
		roots, err := loadTrustStore(tc.TrustStore)
		if err != nil {
			return nil, nil, err
		}
		cfg.RootCAs = roots
	}

	if tc.KeyStore != "" {
		cert, err := loadKeyStore(tc.KeyStore, tc.KeyStorePassword)
		if err != nil {
			return nil, nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	verifyHostname := tc.VerifyHostname
	if verifyHostname == nil && caps.HostnameVerification {
		enabled := true
		verifyHostname = &enabled
	} else if verifyHostname != nil {
		v := *verifyHostname
		verifyHostname = &v
	}

	switch {
	case !tc.ValidateServerCertificate:
		cfg.InsecureSkipVerify = true
	case verifyHostname != nil && !*verifyHostname:
		// Chain is still verified, only the name check is dropped.
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = verifyChain(cfg.RootCAs)
	}

	return cfg, verifyHostname, nil
}

func checkStoreType(field, storeType string) error {
	if storeType == "" || strings.EqualFold(storeType, config.StoreTypePEM) {
		return nil
	}
	return &TLSConfigError{Field: field, Err: fmt.Errorf("unsupported store type %q", storeType)}
}

func loadTrustStore(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &TLSConfigError{Field: "ssl.trustStore", Path: path, Err: err}
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, &TLSConfigError{Field: "ssl.trustStore", Path: path, Err: errors.New("no PEM certificates found")}
	}
	return pool, nil
}

// loadKeyStore reads a PEM bundle holding the client certificate chain and
// its private key. An encrypted key is decrypted with password.
func loadKeyStore(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, &TLSConfigError{Field: "ssl.keyStore", Path: path, Err: err}
	}

	var certPEM, keyPEM []byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch {
		case block.Type == "CERTIFICATE":
			certPEM = append(certPEM, pem.EncodeToMemory(block)...)
		case strings.HasSuffix(block.Type, "PRIVATE KEY") && keyPEM == nil:
			//nolint:staticcheck // legacy encrypted PEM keys are still in use
			if x509.IsEncryptedPEMBlock(block) {
				der, err := x509.DecryptPEMBlock(block, []byte(password))
				if err != nil {
					return tls.Certificate{}, &TLSConfigError{Field: "ssl.keyStorePassword", Path: path, Err: err}
				}
				block = &pem.Block{Type: block.Type, Bytes: der}
			}
			keyPEM = pem.EncodeToMemory(block)
		}
	}

	if certPEM == nil {
		return tls.Certificate{}, &TLSConfigError{Field: "ssl.keyStore", Path: path, Err: errors.New("no certificate found")}
	}
	if keyPEM == nil {
		return tls.Certificate{}, &TLSConfigError{Field: "ssl.keyStore", Path: path, Err: errors.New("no private key found")}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, &TLSConfigError{Field: "ssl.keyStore", Path: path, Err: err}
	}
	return cert, nil
}

func verifyChain(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("tls: server presented no certificate")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return err
			}
			certs = append(certs, cert)
		}
		opts := x509.VerifyOptions{Roots: roots, Intermediates: x509.NewCertPool()}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(opts)
		return err
	}
}
