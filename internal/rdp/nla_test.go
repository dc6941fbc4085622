package rdp

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/rdp-nla/internal/credssp"
)

var loopbackKey = []byte("loopback-subject-public-key-info")

// serveAcceptor runs the server side of the handshake over conn and reports
// the session artifact, or an error, on the returned channel.
func serveAcceptor(conn net.Conn, cfg credssp.AcceptorConfig) <-chan any {
	done := make(chan any, 1)

	go func() {
		acc := credssp.NewAcceptor(cfg)
		defer acc.Destroy()

		state, err := acc.Start()
		if err != nil {
			done <- err
			return
		}

		for !state.Complete {
			token, err := credssp.ReadToken(conn)
			if err != nil {
				done <- err
				return
			}

			state, err = acc.Resume(token)
			if err != nil {
				if credssp.KindOf(err) == credssp.KindAuthenticationRejected {
					_, _ = conn.Write(credssp.EncodeTSRequestError(0xC000006D))
				}
				done <- err
				return
			}

			if len(state.Token) > 0 {
				if _, err := conn.Write(state.Token); err != nil {
					done <- err
					return
				}
			}
		}

		done <- state.Artifact
	}()

	return done
}

func TestNegotiateConnLoopback(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	defer serverEnd.Close()

	done := serveAcceptor(serverEnd, credssp.AcceptorConfig{
		Domain:    "CORP",
		Username:  "alice",
		Password:  "hunter2",
		PublicKey: loopbackKey,
	})

	c, err := NewClient("server01", "CORP\\alice", "hunter2")
	require.NoError(t, err)

	require.NoError(t, c.NegotiateConn(clientEnd, loopbackKey))
	require.Len(t, c.SessionKey(), 16)
	assert.Equal(t, 3, c.Rounds())

	result := <-done
	artifact, ok := result.([]byte)
	require.True(t, ok, "acceptor failed: %v", result)
	assert.Equal(t, artifact, c.SessionKey())
}

func TestNegotiateConnRejected(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	defer serverEnd.Close()

	done := serveAcceptor(serverEnd, credssp.AcceptorConfig{
		Domain:    "CORP",
		Username:  "alice",
		Password:  "not-hunter2",
		PublicKey: loopbackKey,
	})

	c, err := NewClient("server01", "CORP\\alice", "hunter2")
	require.NoError(t, err)

	err = c.NegotiateConn(clientEnd, loopbackKey)
	require.Error(t, err)
	assert.Equal(t, credssp.KindAuthenticationRejected, credssp.KindOf(err))
	assert.Empty(t, c.SessionKey())

	serverErr, ok := (<-done).(error)
	require.True(t, ok)
	assert.Equal(t, credssp.KindAuthenticationRejected, credssp.KindOf(serverErr))
}

func TestRetryableClassification(t *testing.T) {
	truncated := &credssp.NegotiationError{Kind: credssp.KindTruncated, Msg: "cut short"}
	assert.True(t, retryable(truncated))

	violation := &credssp.NegotiationError{Kind: credssp.KindProtocolViolation, Msg: "bad tag"}
	assert.False(t, retryable(violation))

	assert.False(t, retryable(errors.New("plain error")))
}
