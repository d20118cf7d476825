package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nlink/agent/internal/protocol"
)

// token exchange endpoint for the idle database's custom-token auth.
const _sign_in_url = "https://identitytoolkit.googleapis.com/v1/accounts:signInWithCustomToken"

// hard cap on one idle period; reaching it is a silent wake-up.
const _default_idle_timeout = 3600 * time.Second

// IdleNotifier watches the relay's wake-up key in the external
// realtime database while the agent holds no tunnel channel. the
// first snapshot (the initial read) is skipped; the first change to
// the projection of the configured remote names signals wake-up.
type IdleNotifier struct {
	desc  protocol.IdleDescriptor
	names []string
	log   zerolog.Logger

	client      *http.Client
	signInURL   string
	databaseURL string
	timeout     time.Duration
}

// NewIdleNotifier creates a notifier for the given idle descriptor
// and the remote names registered this session.
func NewIdleNotifier(desc protocol.IdleDescriptor, names []string, log zerolog.Logger) *IdleNotifier {
	dbURL := desc.DB
	if !strings.Contains(dbURL, "://") {
		dbURL = "https://" + desc.DB + ".firebaseio.com"
	}
	return &IdleNotifier{
		desc:        desc,
		names:       names,
		log:         log,
		client:      &http.Client{},
		signInURL:   _sign_in_url,
		databaseURL: strings.TrimSuffix(dbURL, "/"),
		timeout:     _default_idle_timeout,
	}
}

// Wait blocks until a wake-up: a changed snapshot, the hard timeout,
// or a watch error (returned for the caller to log). the database
// session is always disposed before returning.
func (n *IdleNotifier) Wait(ctx context.Context) error {
	watchCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	err := n._watch(watchCtx)
	if err != nil && watchCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		n.log.Debug().Msg("idle timeout reached, waking")
		return nil
	}
	return err
}

// _watch signs in, opens the event stream, and consumes snapshots
// until the projected tuple changes.
func (n *IdleNotifier) _watch(ctx context.Context) error {
	token, err := n._sign_in(ctx)
	if err != nil {
		return fmt.Errorf("signing in to idle database: %w", err)
	}

	streamURL := n.databaseURL + "/" + url.PathEscape(n.desc.DBKey) + ".json?auth=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return fmt.Errorf("creating watch request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("opening watch stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("watch stream rejected: %s", resp.Status)
	}

	n.log.Debug().Str("key", n.desc.DBKey).Msg("watching idle channel")

	values := make(map[string]int)
	var last []*int
	first := true
	br := bufio.NewReader(resp.Body)
	for {
		event, data, err := _read_event(br)
		if err != nil {
			return fmt.Errorf("reading watch stream: %w", err)
		}
		switch event {
		case "keep-alive":
			continue
		case "auth_revoked", "cancel":
			return fmt.Errorf("watch stream closed by server: %s", event)
		case "put", "patch":
			var ev _stream_event
			if err := json.Unmarshal(data, &ev); err != nil {
				return fmt.Errorf("decoding watch event: %w", err)
			}
			_apply_event(values, &ev, event == "patch")
			tuple := _project(values, n.names)
			if first {
				first = false
				last = tuple
				continue
			}
			if !_tuples_equal(tuple, last) {
				n.log.Debug().Msg("idle channel changed, waking")
				return nil
			}
			last = tuple
		}
	}
}

// _sign_in exchanges the custom token for a database access token.
func (n *IdleNotifier) _sign_in(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]any{
		"token":             n.desc.Token,
		"returnSecureToken": true,
	})
	if err != nil {
		return "", err
	}
	signIn := n.signInURL + "?key=" + url.QueryEscape(n.desc.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, signIn, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange rejected: %s", resp.Status)
	}

	var out struct {
		IDToken string `json:"idToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if out.IDToken == "" {
		return "", fmt.Errorf("token exchange returned no token")
	}
	return out.IDToken, nil
}

// _stream_event is one put/patch payload on the event stream.
type _stream_event struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// _read_event reads one server-sent event: its name and data line.
func _read_event(br *bufio.Reader) (event string, data []byte, err error) {
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "":
			if event != "" {
				return event, data, nil
			}
		}
	}
}

// _apply_event folds one put/patch into the current value map.
func _apply_event(values map[string]int, ev *_stream_event, patch bool) {
	path := strings.Trim(ev.Path, "/")
	if path == "" {
		if !patch {
			for k := range values {
				delete(values, k)
			}
		}
		var m map[string]int
		if err := json.Unmarshal(ev.Data, &m); err == nil {
			for k, v := range m {
				values[k] = v
			}
		}
		return
	}
	name := path
	if i := strings.Index(path, "/"); i >= 0 {
		name = path[:i]
	}
	var v *int
	if err := json.Unmarshal(ev.Data, &v); err == nil {
		if v == nil {
			delete(values, name)
		} else {
			values[name] = *v
		}
	}
}

// _project maps the snapshot onto the configured remote names; a
// missing name projects to nil.
func _project(values map[string]int, names []string) []*int {
	tuple := make([]*int, len(names))
	for i, name := range names {
		if v, ok := values[name]; ok {
			v := v
			tuple[i] = &v
		}
	}
	return tuple
}

// _tuples_equal compares two projections element-wise.
func _tuples_equal(a, b []*int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		switch {
		case a[i] == nil && b[i] == nil:
		case a[i] == nil || b[i] == nil:
			return false
		case *a[i] != *b[i]:
			return false
		}
	}
	return true
}
