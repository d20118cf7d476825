package agent

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nlink/agent/internal/protocol"
)

// chunk size for body and stream copies.
const _copy_buffer = 32 * 1024

// Dispatcher bridges relay-originated requests onto local targets:
// plain request/response calls and upgraded bidirectional streams.
type Dispatcher struct {
	cfg    *Config
	send   func(*protocol.Frame) error
	log    zerolog.Logger
	client *http.Client
	dialer net.Dialer
}

// NewDispatcher creates a dispatcher sending outbound frames through
// the given function. the http client carries no timeout so large and
// chunked responses stream through untouched.
func NewDispatcher(cfg *Config, send func(*protocol.Frame) error, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:  cfg,
		send: send,
		log:  log,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Handle drives one request to completion. every failure, from
// descriptor decode to mid-stream I/O, is caught here; if nothing was
// sent yet it is reported as a single badgateway frame. per-request
// errors never reach the tunnel itself.
func (d *Dispatcher) Handle(ctx context.Context, pr *PerRequest) {
	sender := &_frame_sender{id: pr.ID, send: d.send}
	if err := d._dispatch(ctx, pr, sender); err != nil {
		d.log.Warn().Err(err).Str("kind", pr.Kind).Msg("request failed")
		if !sender.sentAny() {
			if serr := sender.Send(protocol.TypeBadGateway, nil); serr != nil {
				d.log.Debug().Err(serr).Msg("could not send badgateway")
			}
		}
	}
}

// _dispatch decodes the descriptor, resolves the tunnel, and splits
// on the request kind.
func (d *Dispatcher) _dispatch(ctx context.Context, pr *PerRequest, sender *_frame_sender) error {
	var desc protocol.RequestDescriptor
	if err := json.Unmarshal(pr.RawDescriptor, &desc); err != nil {
		return fmt.Errorf("decoding request descriptor: %w", err)
	}

	tunnel := d.cfg.FindTunnel(desc.Subdomain)
	if tunnel == nil {
		return fmt.Errorf("no tunnel registered for %q", desc.Subdomain)
	}

	headers := desc.Headers
	if headers == nil {
		headers = protocol.Headers{}
	}
	hostHeader := headers.Get("host")
	if tunnel.StripHost() {
		headers.Delete("host")
		hostHeader = ""
	}

	outURL := _compose_url(tunnel.Target(), desc.URL)
	d.log.Debug().Str("method", desc.Method).Str("url", outURL).Str("kind", pr.Kind).Msg("dispatching request")

	if pr.Kind == protocol.TypeWS {
		return d._serve_upgrade(ctx, pr, &desc, headers, hostHeader, tunnel, sender)
	}
	return d._serve_http(ctx, pr, &desc, headers, hostHeader, outURL, sender)
}

// _compose_path joins the tunnel's base path with the request path.
// a bare "/" base path is replaced by the request url; anything else
// is concatenated in front of it.
func _compose_path(target *url.URL, requestURL string) string {
	if target.Path != "" && target.Path != "/" {
		return target.Path + requestURL
	}
	return requestURL
}

// _compose_url builds the absolute outbound url on the local origin.
func _compose_url(target *url.URL, requestURL string) string {
	return target.Scheme + "://" + target.Host + _compose_path(target, requestURL)
}

// _serve_http performs an ordinary request/response round trip:
// inbound data frames feed the outbound body, the local response
// comes back as one head frame, data frames, and an end frame.
func (d *Dispatcher) _serve_http(ctx context.Context, pr *PerRequest, desc *protocol.RequestDescriptor, headers protocol.Headers, hostHeader, outURL string, sender *_frame_sender) error {
	bodyR, bodyW := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, desc.Method, outURL, bodyR)
	if err != nil {
		return fmt.Errorf("creating local request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if cl := headers.Get("content-length"); cl != "" {
		if n, perr := strconv.ParseInt(cl, 10, 64); perr == nil {
			req.ContentLength = n
		}
	}
	req.Header.Del("Content-Length")
	if hostHeader != "" {
		req.Host = hostHeader
	}

	go _pump_request_body(pr, bodyW)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling local target: %w", err)
	}
	defer resp.Body.Close()

	head, err := json.Marshal(protocol.ResponseHead{
		StatusCode: resp.StatusCode,
		Headers:    protocol.HeadersFromHTTP(resp.Header),
	})
	if err != nil {
		return fmt.Errorf("encoding response head: %w", err)
	}
	if err := sender.Send(protocol.TypeHead, head); err != nil {
		return err
	}

	buf := make([]byte, _copy_buffer)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if serr := sender.Send(protocol.TypeData, buf[:n]); serr != nil {
				return serr
			}
		}
		if rerr == io.EOF {
			return sender.Send(protocol.TypeEnd, nil)
		}
		if rerr != nil {
			return fmt.Errorf("reading local response: %w", rerr)
		}
	}
}

// _pump_request_body copies inbound data frames into the outbound
// request body and closes it on end or teardown.
func _pump_request_body(pr *PerRequest, w *io.PipeWriter) {
	for {
		select {
		case f := <-pr.Frames():
			switch f.Type {
			case protocol.TypeData:
				if _, err := w.Write(f.Payload); err != nil {
					w.CloseWithError(err)
					return
				}
			case protocol.TypeEnd:
				w.Close()
				return
			}
		case <-pr.Done():
			w.CloseWithError(io.ErrClosedPipe)
			return
		}
	}
}

// _serve_upgrade flushes the request to trigger a protocol upgrade,
// relays the textual response head as one data frame, then splices
// the upgraded socket with the request's sub-stream. either side's
// half-close tears down the whole request.
func (d *Dispatcher) _serve_upgrade(ctx context.Context, pr *PerRequest, desc *protocol.RequestDescriptor, headers protocol.Headers, hostHeader string, tunnel *TunnelDescriptor, sender *_frame_sender) error {
	target := tunnel.Target()
	conn, err := d._dial_local(ctx, target)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := _write_upgrade_request(conn, desc, headers, hostHeader, target); err != nil {
		return fmt.Errorf("writing upgrade request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		return fmt.Errorf("reading upgrade response: %w", err)
	}

	if err := sender.Send(protocol.TypeData, _format_response_head(resp)); err != nil {
		return err
	}

	// bytes the response reader over-read beyond the header block
	// belong to the upgraded stream.
	if n := br.Buffered(); n > 0 {
		early := make([]byte, n)
		if _, err := io.ReadFull(br, early); err != nil {
			return fmt.Errorf("draining buffered stream bytes: %w", err)
		}
		if err := sender.Send(protocol.TypeData, early); err != nil {
			return err
		}
	}

	return _splice(ctx, pr, conn, sender)
}

// _dial_local opens the raw (optionally TLS) connection to the
// tunnel's local origin.
func (d *Dispatcher) _dial_local(ctx context.Context, target *url.URL) (net.Conn, error) {
	conn, err := d.dialer.DialContext(ctx, "tcp", _host_port(target))
	if err != nil {
		return nil, fmt.Errorf("connecting to local target: %w", err)
	}
	if target.Scheme != "https" {
		return conn, nil
	}
	tlsConn := tls.Client(conn, &tls.Config{ServerName: target.Hostname()})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake with local target: %w", err)
	}
	return tlsConn, nil
}

// _host_port returns host:port with the scheme default filled in.
func _host_port(target *url.URL) string {
	if target.Port() != "" {
		return target.Host
	}
	if target.Scheme == "https" {
		return target.Host + ":443"
	}
	return target.Host + ":80"
}

// _write_upgrade_request writes the request line and headers verbatim,
// no body. the host header falls back to the local origin when the
// inbound one was stripped.
func _write_upgrade_request(conn net.Conn, desc *protocol.RequestDescriptor, headers protocol.Headers, hostHeader string, target *url.URL) error {
	method := desc.Method
	if method == "" {
		method = http.MethodGet
	}
	host := hostHeader
	if host == "" {
		host = target.Host
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, _compose_path(target, desc.URL))
	fmt.Fprintf(&b, "host: %s\r\n", host)
	for k, vs := range headers {
		if strings.EqualFold(k, "host") {
			continue
		}
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
	_, err := conn.Write(b.Bytes())
	return err
}

// _format_response_head renders the upgrade response textually:
// status line, lowercased header block, blank line.
func _format_response_head(resp *http.Response) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/%d.%d %s\r\n", resp.ProtoMajor, resp.ProtoMinor, resp.Status)
	for k, vs := range resp.Header {
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", strings.ToLower(k), v)
		}
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// _splice runs the two stream pumps until either side half-closes or
// fails, then tears the pair down.
func _splice(ctx context.Context, pr *PerRequest, conn net.Conn, sender *_frame_sender) error {
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-pumpCtx.Done()
		conn.Close()
	}()

	var g errgroup.Group

	// local socket -> outbound data frames
	g.Go(func() error {
		defer cancel()
		buf := make([]byte, _copy_buffer)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if serr := sender.Send(protocol.TypeData, buf[:n]); serr != nil {
					return serr
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return sender.Send(protocol.TypeEnd, nil)
				}
				if pumpCtx.Err() != nil {
					return nil
				}
				return fmt.Errorf("reading local stream: %w", err)
			}
		}
	})

	// inbound frames -> local socket
	g.Go(func() error {
		defer cancel()
		for {
			select {
			case f := <-pr.Frames():
				switch f.Type {
				case protocol.TypeData:
					if _, err := conn.Write(f.Payload); err != nil {
						if pumpCtx.Err() != nil {
							return nil
						}
						return fmt.Errorf("writing local stream: %w", err)
					}
				case protocol.TypeEnd:
					_half_close_write(conn)
					return nil
				}
			case <-pr.Done():
				return nil
			case <-pumpCtx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}

// _half_close_write closes the write side of the local socket where
// the transport supports it.
func _half_close_write(conn net.Conn) {
	switch c := conn.(type) {
	case *net.TCPConn:
		c.CloseWrite()
	case *tls.Conn:
		c.CloseWrite()
	default:
		conn.Close()
	}
}

// _frame_sender stamps outbound frames with the request id and tracks
// whether anything reached the channel, so a failure after the first
// frame is never misreported as a badgateway.
type _frame_sender struct {
	id   protocol.RequestID
	send func(*protocol.Frame) error
	mu   sync.Mutex
	any  bool
}

// Send writes one typed frame for this request.
func (s *_frame_sender) Send(frameType string, payload []byte) error {
	err := s.send(&protocol.Frame{RequestID: s.id, Type: frameType, Payload: payload})
	if err == nil {
		s.mu.Lock()
		s.any = true
		s.mu.Unlock()
	}
	return err
}

// sentAny reports whether at least one frame was written.
func (s *_frame_sender) sentAny() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.any
}
