/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package tlsconf builds a hardened *tls.Config from a small
// configuration record, per spec §6's TLS configuration contract:
// load a provided key/cert/CA bundle and delegate everything else to
// the platform TLS implementation. Certificate lifecycle (rotation,
// ACME, etc.) is out of scope.
package tlsconf

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Certify selects client-certificate verification behavior.
//
// CertifyUnset is the zero value, distinct from CertifyNone: a Config
// built with the Certify field left unset (e.g. Config{CertPath: ...,
// KeyPath: ...}) gets spec §6's hardened default of verify-mode=
// required, not "no client-cert verification". A caller that wants
// the latter must say so explicitly with CertifyNone.
type Certify int

const (
	CertifyUnset Certify = iota
	CertifyNone
	CertifyOptional
	CertifyRequired
)

// Config is the recognized set of options from spec §6: a pre-built
// *tls.Config always wins if supplied; otherwise KeyPath/CertPath/
// CAPath are loaded and a hardened default context is constructed.
type Config struct {
	Context  *tls.Config `yaml:"-"`
	Version  uint16      `yaml:"version"`
	Certify  Certify     `yaml:"certify"`
	KeyPath  string      `yaml:"key_path"`
	CertPath string      `yaml:"cert_path"`
	CAPath   string      `yaml:"ca_path"`
}

// FromYAML decodes a Config from a YAML document, the config path
// nabbar-golib's simple leaf-config structs take when they are not fed
// through full Viper layering.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "tlsconf: decoding yaml")
	}
	return &cfg, nil
}

// secureCipherSuites is the restricted cipher suite spec §6 asks for:
// ECDHE+AEAD only, no CBC, no RC4/3DES.
var secureCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

// Build returns a *tls.Config implementing the hardened defaults: no
// SSLv3 (Go's crypto/tls never speaks it), no compression (crypto/tls
// never implements it either, so this is a documented no-op kept for
// parity with the original's explicit disablement), server cipher
// preference, and a restricted cipher suite. If cfg.Context is set it
// is returned as-is: an explicit escape hatch for callers who built
// their own context.
func Build(cfg *Config) (*tls.Config, error) {
	if cfg.Context != nil {
		return cfg.Context, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "tlsconf: loading key pair")
	}

	minVersion := cfg.Version
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}

	tc := &tls.Config{
		Certificates:             []tls.Certificate{cert},
		MinVersion:               minVersion,
		PreferServerCipherSuites: true,
		CipherSuites:             secureCipherSuites,
		CurvePreferences:         []tls.CurveID{tls.X25519, tls.CurveP256},
	}

	switch cfg.Certify {
	case CertifyNone:
		tc.ClientAuth = tls.NoClientCert
	case CertifyOptional:
		tc.ClientAuth = tls.VerifyClientCertIfGiven
	default:
		// CertifyRequired, and CertifyUnset (the zero value, meaning the
		// caller never set this field): spec §6's default is
		// verify-mode=required, matching the original's
		// "certify if certify is not None else CERT_REQUIRED".
		tc.ClientAuth = tls.RequireAndVerifyClientCert
	}

	if cfg.CAPath != "" {
		pem, err := os.ReadFile(cfg.CAPath)
		if err != nil {
			return nil, errors.Wrap(err, "tlsconf: reading CA bundle")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("tlsconf: no certificates parsed from CA bundle")
		}
		tc.ClientCAs = pool
	}

	return tc, nil
}
