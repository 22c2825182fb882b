package client

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDialOptionsTLSConfigDefaultsWhenUnset(t *testing.T) {
	o := DialOptions{UseTLS: true}
	cfg := o.tlsConfig()
	assert.NotNil(t, cfg)
}

func TestDialOptionsTLSConfigPassesThroughExplicit(t *testing.T) {
	explicit := &tls.Config{ServerName: "example.com"}
	o := DialOptions{UseTLS: true, TLSConfig: explicit}
	assert.Same(t, explicit, o.tlsConfig())
}

func TestDialOptionsTLSConfigNilWhenTLSNotRequested(t *testing.T) {
	o := DialOptions{}
	assert.Nil(t, o.tlsConfig())
}
