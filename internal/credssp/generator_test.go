package credssp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPublicKey = []byte("loopback-subject-public-key-info")

func testConfig() Config {
	return Config{
		Domain:     "CORP",
		Username:   "alice",
		Password:   "hunter2",
		TargetName: "server01",
		PublicKey:  testPublicKey,
	}
}

func testAcceptorConfig() AcceptorConfig {
	return AcceptorConfig{
		Domain:    "CORP",
		Username:  "alice",
		Password:  "hunter2",
		PublicKey: testPublicKey,
	}
}

func TestLoopbackConverges(t *testing.T) {
	gen := NewGenerator(testConfig())
	defer gen.Destroy()
	acc := NewAcceptor(testAcceptorConfig())
	defer acc.Destroy()

	clientSends := 0
	serverSends := 0

	cState, err := gen.Start()
	require.NoError(t, err)
	require.NotEmpty(t, cState.Token)
	require.False(t, cState.Complete)
	clientSends++

	aState, err := acc.Start()
	require.NoError(t, err)
	require.Empty(t, aState.Token, "the server speaks second")

	// Negotiate -> Challenge
	aState, err = acc.Resume(cState.Token)
	require.NoError(t, err)
	require.NotEmpty(t, aState.Token)
	serverSends++

	// Challenge -> Authenticate + channel binding
	cState, err = gen.Resume(aState.Token)
	require.NoError(t, err)
	require.NotEmpty(t, cState.Token)
	require.False(t, cState.Complete)
	clientSends++

	// Authenticate -> public key echo
	aState, err = acc.Resume(cState.Token)
	require.NoError(t, err)
	require.NotEmpty(t, aState.Token)
	require.False(t, aState.Complete)
	serverSends++

	// Echo -> credential delegation; the client completes with a final
	// unanswered token in hand.
	cState, err = gen.Resume(aState.Token)
	require.NoError(t, err)
	require.True(t, cState.Complete)
	require.NotEmpty(t, cState.Token)
	require.NotEmpty(t, cState.Artifact)
	clientSends++

	aState, err = acc.Resume(cState.Token)
	require.NoError(t, err)
	require.True(t, aState.Complete)
	require.Empty(t, aState.Token)

	assert.Equal(t, cState.Artifact, aState.Artifact, "both sides must derive the same session artifact")
	assert.Equal(t, 3, clientSends)
	assert.Equal(t, 2, serverSends)

	creds := acc.Credentials()
	require.NotNil(t, creds)
	assert.Equal(t, "CORP", creds.Domain)
	assert.Equal(t, "alice", creds.Username)
	assert.Equal(t, "hunter2", creds.Password)
}

func TestStartInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty username", func(c *Config) { c.Username = "" }},
		{"empty target", func(c *Config) { c.TargetName = "" }},
		{"target with whitespace", func(c *Config) { c.TargetName = "server 01" }},
		{"target with control character", func(c *Config) { c.TargetName = "server\x0001" }},
		{"target with domain separator", func(c *Config) { c.TargetName = "CORP\\server01" }},
		{"empty public key", func(c *Config) { c.PublicKey = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)

			gen := NewGenerator(cfg)
			state, err := gen.Start()
			require.Error(t, err)
			assert.Equal(t, KindConfigInvalid, KindOf(err))
			assert.Empty(t, state.Token, "no token may be produced on config failure")
		})
	}
}

func TestStartTwice(t *testing.T) {
	gen := NewGenerator(testConfig())
	defer gen.Destroy()

	_, err := gen.Start()
	require.NoError(t, err)

	_, err = gen.Start()
	require.Error(t, err)
	assert.Equal(t, KindProtocolViolation, KindOf(err))
}

func TestResumeBeforeStart(t *testing.T) {
	gen := NewGenerator(testConfig())
	defer gen.Destroy()

	_, err := gen.Resume([]byte{0x30, 0x00})
	require.Error(t, err)
	assert.Equal(t, KindProtocolViolation, KindOf(err))
}

func TestResumeEmptyInputIsRetryable(t *testing.T) {
	gen := NewGenerator(testConfig())
	defer gen.Destroy()
	acc := NewAcceptor(testAcceptorConfig())
	defer acc.Destroy()

	cState, err := gen.Start()
	require.NoError(t, err)
	_, err = acc.Start()
	require.NoError(t, err)

	_, err = gen.Resume(nil)
	require.Error(t, err)
	assert.Equal(t, KindTruncated, KindOf(err))

	var ne *NegotiationError
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Retryable())

	// The failed call must not have consumed the round: the handshake
	// still completes.
	aState, err := acc.Resume(cState.Token)
	require.NoError(t, err)
	cState, err = gen.Resume(aState.Token)
	require.NoError(t, err)
	require.NotEmpty(t, cState.Token)
}

func TestResumeTruncatedTokenIsRetryable(t *testing.T) {
	gen := NewGenerator(testConfig())
	defer gen.Destroy()
	acc := NewAcceptor(testAcceptorConfig())
	defer acc.Destroy()

	cState, err := gen.Start()
	require.NoError(t, err)
	_, err = acc.Start()
	require.NoError(t, err)

	aState, err := acc.Resume(cState.Token)
	require.NoError(t, err)

	// Feed half the challenge, as a short stream read would deliver.
	_, err = gen.Resume(aState.Token[:len(aState.Token)/2])
	require.Error(t, err)
	assert.Equal(t, KindTruncated, KindOf(err))

	// Retrying with the full bytes succeeds.
	cState, err = gen.Resume(aState.Token)
	require.NoError(t, err)
	require.NotEmpty(t, cState.Token)
}

func TestResumeGarbageIsProtocolViolation(t *testing.T) {
	gen := NewGenerator(testConfig())
	defer gen.Destroy()

	_, err := gen.Start()
	require.NoError(t, err)

	_, err = gen.Resume([]byte{0x04, 0x02, 0xDE, 0xAD})
	require.Error(t, err)
	assert.Equal(t, KindProtocolViolation, KindOf(err))

	// Terminal: every further Resume is rejected deterministically.
	for i := 0; i < 3; i++ {
		_, err = gen.Resume([]byte{0x30, 0x00})
		require.Error(t, err)
		assert.Equal(t, KindProtocolViolation, KindOf(err))
	}
}

func TestResumeErrorCodeRejection(t *testing.T) {
	gen := NewGenerator(testConfig())
	defer gen.Destroy()

	_, err := gen.Start()
	require.NoError(t, err)

	// STATUS_LOGON_FAILURE wrapped in the TSRequest errorCode field.
	_, err = gen.Resume(EncodeTSRequestError(0xC000006D))
	require.Error(t, err)
	assert.Equal(t, KindAuthenticationRejected, KindOf(err))

	var ne *NegotiationError
	require.ErrorAs(t, err, &ne)
	assert.False(t, ne.Retryable())

	_, err = gen.Resume([]byte{0x30, 0x00})
	require.Error(t, err)
	assert.Equal(t, KindProtocolViolation, KindOf(err))
}

func TestResumeAfterComplete(t *testing.T) {
	gen := NewGenerator(testConfig())
	defer gen.Destroy()
	acc := NewAcceptor(testAcceptorConfig())
	defer acc.Destroy()

	cState, err := gen.Start()
	require.NoError(t, err)
	_, err = acc.Start()
	require.NoError(t, err)

	for !cState.Complete {
		aState, err := acc.Resume(cState.Token)
		require.NoError(t, err)
		cState, err = gen.Resume(aState.Token)
		require.NoError(t, err)
	}

	_, err = gen.Resume([]byte{0x30, 0x00})
	require.Error(t, err)
	assert.Equal(t, KindProtocolViolation, KindOf(err))
}

func TestResumeAfterDestroy(t *testing.T) {
	gen := NewGenerator(testConfig())

	_, err := gen.Start()
	require.NoError(t, err)

	gen.Destroy()

	_, err = gen.Resume([]byte{0x30, 0x00})
	require.Error(t, err)
	assert.Equal(t, KindProtocolViolation, KindOf(err))
}

func TestLoopbackDeterministicRounds(t *testing.T) {
	// The handshake must converge in the same number of rounds every time.
	for i := 0; i < 5; i++ {
		gen := NewGenerator(testConfig())
		acc := NewAcceptor(testAcceptorConfig())

		cState, err := gen.Start()
		require.NoError(t, err)
		_, err = acc.Start()
		require.NoError(t, err)

		rounds := 0
		for !cState.Complete {
			aState, err := acc.Resume(cState.Token)
			require.NoError(t, err)
			cState, err = gen.Resume(aState.Token)
			require.NoError(t, err)
			rounds++
		}

		assert.Equal(t, 2, rounds)

		gen.Destroy()
		acc.Destroy()
	}
}
