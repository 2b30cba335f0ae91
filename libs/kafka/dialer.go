package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"time"

	errorutils "github.com/badgeworks/badge-go/libs/errors"
	kafkago "github.com/segmentio/kafka-go"
)

func readFileFromEnvLoc(env string, required bool) ([]byte, error) {
	loc := os.Getenv(env)
	if len(loc) == 0 {
		if !required {
			return []byte{}, nil
		}
		return []byte{}, errors.New(env + " must be passed")
	}
	buf, err := os.ReadFile(loc)
	if err != nil {
		return []byte{}, err
	}
	return buf, nil
}

// TLSDialer creates a kafka dialer with tls config when the ssl
// environment is present, and a plain dialer otherwise
func TLSDialer() (*kafkago.Dialer, error) {
	caLoc := os.Getenv("BADGE_KAFKA_SSL_CA_LOCATION")
	certLoc := os.Getenv("BADGE_KAFKA_SSL_CERTIFICATE_LOCATION")

	if len(certLoc) == 0 {
		return &kafkago.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		}, nil
	}

	certPEM, err := readFileFromEnvLoc("BADGE_KAFKA_SSL_CERTIFICATE_LOCATION", true)
	if err != nil {
		return nil, err
	}

	keyPEM, err := readFileFromEnvLoc("BADGE_KAFKA_SSL_KEY_LOCATION", true)
	if err != nil {
		return nil, err
	}

	block, rest := pem.Decode(keyPEM)
	if len(rest) > 0 {
		return nil, errors.New("extra data in BADGE_KAFKA_SSL_KEY_LOCATION")
	}
	keyPEM = pem.EncodeToMemory(block)

	certificate, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errorutils.Wrap(err, "could not parse x509 keypair")
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{certificate},
	}

	if len(caLoc) > 0 {
		caPEM, err := readFileFromEnvLoc("BADGE_KAFKA_SSL_CA_LOCATION", true)
		if err != nil {
			return nil, err
		}
		caCertPool := x509.NewCertPool()
		if ok := caCertPool.AppendCertsFromPEM(caPEM); !ok {
			return nil, errors.New("could not add custom CA from BADGE_KAFKA_SSL_CA_LOCATION")
		}
		config.RootCAs = caCertPool
	}

	return &kafkago.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
		TLS:       config,
	}, nil
}
