package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nlink/agent/internal/protocol"
)

// relay endpoint path for the tunnel channel.
const _tunnel_path = "/api/tunnel"

// maximum handshake redirects to follow.
const _max_redirects = 10

// Session owns the duplex channel to the relay: it establishes the
// websocket, registers the route set, runs the read loop, and
// serialises outbound frames.
type Session struct {
	codec     *protocol.Codec
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

// TunnelURL builds the registration endpoint for the given config:
// {ws,wss}://<host>/api/tunnel?s=<name|label>&s=…&c=<clientId>.
func TunnelURL(cfg *Config) string {
	scheme := "wss"
	if !cfg.Secure {
		scheme = "ws"
	}
	q := url.Values{}
	for i := range cfg.Tunnels {
		d := &cfg.Tunnels[i]
		q.Add("s", d.RemoteName+"|"+d.Label)
	}
	q.Add("c", cfg.ClientID)
	u := url.URL{Scheme: scheme, Host: cfg.Hostname, Path: _tunnel_path, RawQuery: q.Encode()}
	return u.String()
}

// DialSession connects to the relay, authenticating with the api key
// and registering every configured tunnel. handshake redirects are
// followed. a non-nil dial hook routes the channel through a proxy.
func DialSession(ctx context.Context, cfg *Config, dial DialFunc, log zerolog.Logger) (*Session, error) {
	wsDialer := websocket.Dialer{NetDialContext: dial}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	if cfg.UserAgent != "" {
		header.Set("User-Agent", cfg.UserAgent)
	}

	target := TunnelURL(cfg)
	log.Debug().Str("url", target).Msg("connecting to relay")

	conn, err := _dial_following_redirects(ctx, &wsDialer, target, header)
	if err != nil {
		return nil, err
	}

	log.Info().Msg("connected to relay")
	return &Session{
		codec: protocol.NewCodec(conn),
		conn:  conn,
		done:  make(chan struct{}),
		log:   log,
	}, nil
}

// _dial_following_redirects dials the websocket endpoint, re-dialling
// on 3xx handshake responses up to the redirect limit.
func _dial_following_redirects(ctx context.Context, d *websocket.Dialer, target string, header http.Header) (*websocket.Conn, error) {
	for i := 0; i <= _max_redirects; i++ {
		conn, resp, err := d.DialContext(ctx, target, header)
		if err == nil {
			return conn, nil
		}
		if resp != nil && resp.StatusCode >= 300 && resp.StatusCode < 400 {
			loc := resp.Header.Get("Location")
			if loc != "" {
				next, perr := _resolve_redirect(target, loc)
				if perr == nil {
					target = next
					continue
				}
			}
		}
		return nil, fmt.Errorf("dialling relay: %w", err)
	}
	return nil, fmt.Errorf("dialling relay: too many redirects")
}

// _resolve_redirect resolves a Location header against the current
// target, mapping http(s) schemes back to ws(s).
func _resolve_redirect(current, location string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	next, err := base.Parse(location)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(next.Scheme) {
	case "http":
		next.Scheme = "ws"
	case "https":
		next.Scheme = "wss"
	}
	return next.String(), nil
}

// Run reads frames from the relay and routes each through the
// registry. blocks until the channel fails or the session is closed;
// a deliberate Close returns nil.
func (s *Session) Run(reg *Registry) error {
	defer reg.CloseAll()
	for {
		frame, err := s.codec.ReadFrame()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				return _close_error(err)
			}
		}
		reg.Route(frame)
	}
}

// _close_error reports websocket close frames as "code - reason".
func _close_error(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Errorf("channel closed: %d - %s", ce.Code, ce.Text)
	}
	return err
}

// Send writes one frame on the channel. safe for concurrent use;
// frames are atomic with respect to each other.
func (s *Session) Send(f *protocol.Frame) error {
	return s.codec.WriteFrame(f)
}

// Close tears down the channel. idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.codec.Close()
		s.log.Debug().Msg("tunnel session closed")
	})
}

// Done returns a channel that closes when the session shuts down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
