package rdp

import (
	"errors"
	"fmt"
	"io"

	"github.com/rcarmo/rdp-nla/internal/credssp"
	"github.com/rcarmo/rdp-nla/internal/logging"
)

// Negotiate performs Network Level Authentication over the established TLS
// connection by driving the CredSSP generator: each yielded token is
// written to the transport, each peer reply is framed off the stream and
// fed back in. On success the session artifact is retained for the next
// protocol phase.
func (c *Client) Negotiate() error {
	if c.conn == nil {
		return ErrNotConnected
	}

	pubKey, err := c.publicKey()
	if err != nil {
		return fmt.Errorf("NLA channel binding: %w", err)
	}

	domain, user := c.parseDomainUser()

	gen := credssp.NewGenerator(credssp.Config{
		Domain:     domain,
		Username:   user,
		Password:   c.password,
		TargetName: c.serverName(),
		PublicKey:  pubKey,
	})
	defer gen.Destroy()

	key, rounds, err := drive(gen, struct {
		io.Reader
		io.Writer
	}{c.buffReader, c.conn})
	if err != nil {
		return fmt.Errorf("NLA with %s: %w", c.host, err)
	}

	c.sessionKey = key
	c.rounds = rounds
	logging.Info("NLA complete with %s after %d tokens", c.host, rounds)

	return nil
}

// NegotiateConn runs the CredSSP exchange over an already-secured
// transport, binding to the given peer public key. Negotiate uses it after
// StartTLS; tests and proxies call it directly.
func (c *Client) NegotiateConn(rw io.ReadWriter, pubKey []byte) error {
	domain, user := c.parseDomainUser()

	gen := credssp.NewGenerator(credssp.Config{
		Domain:     domain,
		Username:   user,
		Password:   c.password,
		TargetName: c.serverName(),
		PublicKey:  pubKey,
	})
	defer gen.Destroy()

	key, rounds, err := drive(gen, rw)
	if err != nil {
		return err
	}

	c.sessionKey = key
	c.rounds = rounds

	return nil
}

// drive runs the suspend/resume loop: the generator yields intent, this
// loop performs the I/O. Truncated replies are retried by pulling more
// bytes off the stream before re-entering the generator.
func drive(gen *credssp.Generator, rw io.ReadWriter) (key []byte, rounds int, err error) {
	state, err := gen.Start()

	for {
		if err != nil {
			return nil, rounds, err
		}

		if len(state.Token) > 0 {
			if _, werr := rw.Write(state.Token); werr != nil {
				return nil, rounds, fmt.Errorf("send token: %w", werr)
			}
			rounds++
		}

		if state.Complete {
			return state.Artifact, rounds, nil
		}

		response, rerr := credssp.ReadToken(rw)
		if rerr != nil {
			return nil, rounds, fmt.Errorf("read peer token: %w", rerr)
		}

		state, err = gen.Resume(response)
		for err != nil && retryable(err) {
			// Short read at the DER layer: the rest of the message is
			// still in flight. Pull more bytes and re-enter.
			more := make([]byte, readBufferSize)
			n, rerr := rw.Read(more)
			if rerr != nil {
				return nil, rounds, fmt.Errorf("read remaining token bytes: %w", rerr)
			}
			response = append(response, more[:n]...)
			state, err = gen.Resume(response)
		}
	}
}

func retryable(err error) bool {
	var ne *credssp.NegotiationError
	return errors.As(err, &ne) && ne.Retryable()
}
