package agent

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// MTLSConfig holds mutual TLS configuration
type MTLSConfig struct {
	ServerCert   string
	ServerKey    string
	ClientCACert string
	RequireAuth  bool
}

// LoadMTLSConfig loads mTLS configuration from environment variables
func LoadMTLSConfig() MTLSConfig {
	return MTLSConfig{
		ServerCert:   os.Getenv("FLEETROLL_AGENT_TLS_CERT"),
		ServerKey:    os.Getenv("FLEETROLL_AGENT_TLS_KEY"),
		ClientCACert: os.Getenv("FLEETROLL_AGENT_CLIENT_CA"),
		RequireAuth:  os.Getenv("FLEETROLL_AGENT_REQUIRE_MTLS") == "true",
	}
}

// Enabled reports whether a server certificate is configured.
func (c MTLSConfig) Enabled() bool { return c.ServerCert != "" && c.ServerKey != "" }

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("parse CA certificate %s", path)
	}
	return pool, nil
}

// ServerTLSConfig builds the server side TLS configuration.
func ServerTLSConfig(config MTLSConfig) (*tls.Config, error) {
	if !config.Enabled() {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}
	cert, err := tls.LoadX509KeyPair(config.ServerCert, config.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if config.RequireAuth {
		if config.ClientCACert == "" {
			return nil, fmt.Errorf("client CA required when mTLS is enforced")
		}
		pool, err := loadPool(config.ClientCACert)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		log.Info().Str("ca_cert", config.ClientCACert).Msg("mTLS client authentication enabled")
	}
	return tlsConfig, nil
}

// ClientTLSConfig builds the TLS configuration used to reach agents. caCert
// verifies the agent; cert and key, when set, authenticate the client.
func ClientTLSConfig(caCert, cert, key string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caCert != "" {
		pool, err := loadPool(caCert)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if cert != "" && key != "" {
		pair, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}

// MTLSMiddleware annotates requests with the verified client certificate.
func MTLSMiddleware(requireAuth bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
				if requireAuth {
					http.Error(w, "client certificate required", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			clientCert := r.TLS.PeerCertificates[0]
			r.Header.Set("X-Client-Subject", clientCert.Subject.String())
			r.Header.Set("X-Client-Serial", clientCert.SerialNumber.String())
			log.Debug().
				Str("subject", clientCert.Subject.String()).
				Str("serial", clientCert.SerialNumber.String()).
				Msg("mTLS client authenticated")
			next.ServeHTTP(w, r)
		})
	}
}

// ListenAndServeTLS serves over TLS, verifying client certificates when
// config requires it.
func (s *Server) ListenAndServeTLS(addr string, config MTLSConfig) error {
	tlsConfig, err := ServerTLSConfig(config)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           MTLSMiddleware(config.RequireAuth)(s.Handler()),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setServer(srv)
	log.Info().Str("addr", addr).Bool("mtls_required", config.RequireAuth).Msg("starting agent with TLS")
	return srv.ListenAndServeTLS("", "")
}
