package shell

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// =============================================================================
// Helpers
// =============================================================================

func testSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

// =============================================================================
// buildAuthMethods
// =============================================================================

func TestBuildAuthMethods_EmptyConfigYieldsNone(t *testing.T) {
	c := &Client{config: Config{}}
	assert.Empty(t, c.buildAuthMethods(nil))
}

func TestBuildAuthMethods_PasswordOnly(t *testing.T) {
	c := &Client{config: Config{Password: "secret"}}
	assert.Len(t, c.buildAuthMethods(nil), 1)
}

func TestBuildAuthMethods_AllConfigured(t *testing.T) {
	c := &Client{config: Config{
		Password:        "secret",
		PrivateKey:      testSigner(t),
		CertSigner:      testSigner(t),
		AgentForwarding: true,
	}}

	// Agent, certificate, key, password — in that order.
	methods := c.buildAuthMethods(agent.NewKeyring())
	assert.Len(t, methods, 4)
}

func TestBuildAuthMethods_AgentForwardingNeedsAgent(t *testing.T) {
	c := &Client{config: Config{AgentForwarding: true}}
	assert.Empty(t, c.buildAuthMethods(nil))
}

// =============================================================================
// Dial guards
// =============================================================================

func TestDial_NoAuthConfiguredFails(t *testing.T) {
	_, err := Dial(Config{Addr: "127.0.0.1:22", User: "ops"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no authentication method")
}

func TestOpenStream_NotConnectedFails(t *testing.T) {
	c := &Client{config: Config{Addr: "127.0.0.1:22"}}
	_, err := c.OpenStream("xterm", 80, 24)
	assert.Error(t, err)
}

func TestClientClose_NilConnIsNoOp(t *testing.T) {
	c := &Client{}
	assert.NoError(t, c.Close())
}
