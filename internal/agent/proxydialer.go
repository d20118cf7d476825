package agent

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// DialFunc matches the websocket dialer's NetDialContext hook.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// how long the hop to the proxy itself may take.
const _proxy_hop_timeout = 10 * time.Second

// ProxyDial builds the dial hook for a proxy url already validated by
// Config.Validate. http and https proxies speak CONNECT; socks5 and
// socks5h go through the socks client. a nil url means a direct
// connection and yields a nil hook.
func ProxyDial(u *url.URL) DialFunc {
	if u == nil {
		return nil
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		return func(ctx context.Context, _, addr string) (net.Conn, error) {
			return _connect_via_http(ctx, u, addr)
		}
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return _connect_via_socks5(ctx, u, network, addr)
	}
}

// _connect_via_socks5 reaches the target through a socks5 proxy.
func _connect_via_socks5(ctx context.Context, u *url.URL, network, addr string) (net.Conn, error) {
	d, err := proxy.SOCKS5("tcp", u.Host, _proxy_auth(u), &net.Dialer{Timeout: _proxy_hop_timeout})
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy %s: %w", u.Host, err)
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return d.Dial(network, addr)
}

// _connect_via_http opens a CONNECT tunnel through an http proxy and
// hands back the raw connection.
func _connect_via_http(ctx context.Context, u *url.URL, addr string) (net.Conn, error) {
	hop := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		hop = net.JoinHostPort(u.Hostname(), port)
	}

	d := &net.Dialer{Timeout: _proxy_hop_timeout}
	conn, err := d.DialContext(ctx, "tcp", hop)
	if err != nil {
		return nil, fmt.Errorf("proxy %s unreachable: %w", hop, err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: http.Header{},
	}
	if u.User != nil {
		password, _ := u.User.Password()
		creds := base64.StdEncoding.EncodeToString([]byte(u.User.Username() + ":" + password))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy connect to %s: %w", addr, err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy connect to %s: %w", addr, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy refused connect to %s: %s", addr, resp.Status)
	}
	return conn, nil
}

// _proxy_auth lifts userinfo off the proxy url.
func _proxy_auth(u *url.URL) *proxy.Auth {
	if u.User == nil {
		return nil
	}
	password, _ := u.User.Password()
	return &proxy.Auth{User: u.User.Username(), Password: password}
}
