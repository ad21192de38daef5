package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	log "github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/wgfleet/wgfleet/internal/metrics"
	"github.com/wgfleet/wgfleet/internal/models"
)

const (
	sessionCookieName     = "wg-easy"
	defaultRequestTimeout = 10 * time.Second
	maxResponseBytes      = 4 << 20
	maxErrorBodyBytes     = 512
	expiryLayout          = "2006-01-02T15:04:05.000Z"
)

// ClientOptions tunes WGEasyClient transport behaviour.
type ClientOptions struct {
	HTTPClient  *http.Client
	Timeout     time.Duration
	ReadRetries int
	Sessions    *SessionCache
}

// WGEasyClient implements Adapter against the wg-easy HTTP API.
type WGEasyClient struct {
	gatewayID uint64
	baseURL   string
	username  string
	password  string
	http      *http.Client
	sessions  *SessionCache
	reads     failsafe.Executor[*http.Response]
}

type response struct {
	status  int
	body    []byte
	cookies []*http.Cookie
}

// NewWGEasyClient builds a client for one gateway row.
func NewWGEasyClient(gw models.Gateway, opts ClientOptions) *WGEasyClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = NewSessionCache(defaultSessionLifetime)
	}
	retries := opts.ReadRetries
	if retries < 0 {
		retries = 0
	}
	//nolint:bodyclose // *http.Response is a type parameter here
	retry := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(200*time.Millisecond, 2*time.Second).
		WithMaxRetries(retries).
		WithJitterFactor(0.1).
		HandleIf(func(_ *http.Response, err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}).
		Build()

	return &WGEasyClient{
		gatewayID: gw.ID,
		baseURL:   strings.TrimRight(strings.TrimSpace(gw.BaseURL), "/"),
		username:  gw.Username,
		password:  gw.Password,
		http:      httpClient,
		sessions:  sessions,
		reads:     failsafe.With(retry),
	}
}

// Authenticate drops any cached session and logs in again.
func (c *WGEasyClient) Authenticate(ctx context.Context) error {
	c.sessions.Invalidate(c.gatewayID)
	_, err := c.sessions.Get(ctx, c.gatewayID, c.login)
	return err
}

// ListPeers returns every peer configured on the gateway.
func (c *WGEasyClient) ListPeers(ctx context.Context) ([]Peer, error) {
	body, err := c.call(ctx, "list_peers", http.MethodGet, "/api/client", nil, "application/json")
	if err != nil {
		return nil, err
	}
	var raw []wgClient
	if errDecode := json.Unmarshal(body, &raw); errDecode != nil {
		return nil, newError(c.gatewayID, "list_peers", http.StatusOK, ErrGatewayUnreachable, fmt.Errorf("decode client list: %w", errDecode))
	}
	peers := make([]Peer, 0, len(raw))
	for _, item := range raw {
		peers = append(peers, item.toPeer())
	}
	return peers, nil
}

// CreatePeer creates a peer and returns its remote id.
func (c *WGEasyClient) CreatePeer(ctx context.Context, name string, expiresAt *time.Time) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", newError(c.gatewayID, "create_peer", 0, ErrGatewayRejected, errors.New("peer name is required"))
	}
	payload := map[string]any{"name": name, "expiresAt": formatExpiry(expiresAt)}
	body, err := c.call(ctx, "create_peer", http.MethodPost, "/api/client", payload, "application/json")
	if err != nil {
		return "", err
	}
	var created struct {
		Success  *bool    `json:"success"`
		ClientID remoteID `json:"clientId"`
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if errDecode := json.Unmarshal(body, &created); errDecode != nil {
			return "", newError(c.gatewayID, "create_peer", http.StatusOK, ErrGatewayRejected, fmt.Errorf("decode create response: %w", errDecode))
		}
	}
	if created.Success != nil && !*created.Success {
		return "", newError(c.gatewayID, "create_peer", http.StatusOK, ErrGatewayRejected, errors.New("gateway did not report success"))
	}
	if created.ClientID != "" {
		return string(created.ClientID), nil
	}
	return c.lookupCreatedPeer(ctx, name)
}

// lookupCreatedPeer recovers the id of a just-created peer from gateways that do not echo it.
func (c *WGEasyClient) lookupCreatedPeer(ctx context.Context, name string) (string, error) {
	peers, err := c.ListPeers(ctx)
	if err != nil {
		return "", err
	}
	candidates := make([]Peer, 0, 1)
	for _, peer := range peers {
		if peer.Name == name {
			candidates = append(candidates, peer)
		}
	}
	if len(candidates) == 0 {
		return "", newError(c.gatewayID, "create_peer", http.StatusOK, ErrGatewayRejected, errors.New("created peer not reported by gateway"))
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return createdAt(candidates[i]).After(createdAt(candidates[j]))
	})
	return candidates[0].ID, nil
}

// DeletePeer removes a peer from the gateway.
func (c *WGEasyClient) DeletePeer(ctx context.Context, remoteID string) error {
	path, err := c.clientPath("delete_peer", remoteID, "")
	if err != nil {
		return err
	}
	_, err = c.call(ctx, "delete_peer", http.MethodDelete, path, nil, "application/json")
	return err
}

// SetEnabled enables or disables a peer.
func (c *WGEasyClient) SetEnabled(ctx context.Context, remoteID string, enabled bool) error {
	action := "disable"
	if enabled {
		action = "enable"
	}
	op := "set_enabled"
	path, err := c.clientPath(op, remoteID, "/"+action)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, op, http.MethodPost, path, nil, "application/json")
	return err
}

// SetExpiry rewrites the expiry of a peer. A nil expiresAt clears it.
func (c *WGEasyClient) SetExpiry(ctx context.Context, remoteID string, expiresAt *time.Time) error {
	op := "set_expiry"
	path, err := c.clientPath(op, remoteID, "")
	if err != nil {
		return err
	}
	body, err := c.call(ctx, op, http.MethodGet, path, nil, "application/json")
	if err != nil {
		return err
	}
	record := map[string]any{}
	if errDecode := json.Unmarshal(body, &record); errDecode != nil {
		return newError(c.gatewayID, op, http.StatusOK, ErrGatewayUnreachable, fmt.Errorf("decode client: %w", errDecode))
	}
	record["expiresAt"] = formatExpiry(expiresAt)
	_, err = c.call(ctx, op, http.MethodPost, path, record, "application/json")
	return err
}

// FetchConfiguration returns the peer's WireGuard configuration file as served by the gateway.
func (c *WGEasyClient) FetchConfiguration(ctx context.Context, remoteID string) ([]byte, error) {
	op := "fetch_configuration"
	path, err := c.clientPath(op, remoteID, "/configuration")
	if err != nil {
		return nil, err
	}
	return c.call(ctx, op, http.MethodGet, path, nil, "text/plain")
}

// FetchQRCode returns the peer's QR code SVG as served by the gateway.
func (c *WGEasyClient) FetchQRCode(ctx context.Context, remoteID string) ([]byte, error) {
	op := "fetch_qrcode"
	path, err := c.clientPath(op, remoteID, "/qrcode.svg")
	if err != nil {
		return nil, err
	}
	return c.call(ctx, op, http.MethodGet, path, nil, "image/svg+xml")
}

// FetchTrafficCounters returns the peer's cumulative rx/tx.
func (c *WGEasyClient) FetchTrafficCounters(ctx context.Context, remoteID string) (Counters, error) {
	op := "fetch_counters"
	path, err := c.clientPath(op, remoteID, "")
	if err != nil {
		return Counters{}, err
	}
	body, err := c.call(ctx, op, http.MethodGet, path, nil, "application/json")
	if err != nil {
		return Counters{}, err
	}
	var item wgClient
	if errDecode := json.Unmarshal(body, &item); errDecode != nil {
		return Counters{}, newError(c.gatewayID, op, http.StatusOK, ErrGatewayUnreachable, fmt.Errorf("decode client: %w", errDecode))
	}
	peer := item.toPeer()
	return Counters{Rx: peer.TransferRx, Tx: peer.TransferTx, SampledAt: time.Now().UTC()}, nil
}

func (c *WGEasyClient) clientPath(op, remoteID, suffix string) (string, error) {
	remoteID = strings.TrimSpace(remoteID)
	if remoteID == "" {
		return "", newError(c.gatewayID, op, 0, ErrBindingNotFound, errors.New("empty remote peer id"))
	}
	return "/api/client/" + url.PathEscape(remoteID) + suffix, nil
}

// call performs an authenticated request. An authorization rejection drops the
// session, logs in once more and retries the request once.
func (c *WGEasyClient) call(ctx context.Context, op, method, path string, payload any, accept string) (body []byte, err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = Kind(err)
		}
		metrics.ObserveGatewayCall(op, outcome, time.Since(start))
	}()

	var encoded []byte
	if payload != nil {
		var errMarshal error
		encoded, errMarshal = json.Marshal(payload)
		if errMarshal != nil {
			return nil, newError(c.gatewayID, op, 0, ErrGatewayRejected, errMarshal)
		}
	}
	retryReads := method == http.MethodGet

	for attempt := 0; ; attempt++ {
		token, errSession := c.sessions.Get(ctx, c.gatewayID, c.login)
		if errSession != nil {
			return nil, errSession
		}
		resp, errTrip := c.roundTrip(ctx, method, path, encoded, accept, token, retryReads)
		if errTrip != nil {
			return nil, newError(c.gatewayID, op, 0, ErrGatewayUnreachable, errTrip)
		}
		if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
			c.sessions.InvalidateToken(c.gatewayID, token)
			if attempt == 0 {
				log.Debugf("gateway %d: session rejected on %s, re-authenticating", c.gatewayID, op)
				continue
			}
		}
		if kind := kindForStatus(resp.status); kind != nil {
			return nil, newError(c.gatewayID, op, resp.status, kind, bodyError(resp.body))
		}
		return resp.body, nil
	}
}

func (c *WGEasyClient) login(ctx context.Context) (string, error) {
	payload, errMarshal := json.Marshal(map[string]any{
		"username": c.username,
		"password": c.password,
		"remember": true,
	})
	if errMarshal != nil {
		return "", newError(c.gatewayID, "login", 0, ErrAuthFailure, errMarshal)
	}
	resp, errTrip := c.roundTrip(ctx, http.MethodPost, "/api/session", payload, "application/json", "", true)
	if errTrip != nil {
		metrics.ObserveSessionLogin("unreachable")
		return "", newError(c.gatewayID, "login", 0, ErrGatewayUnreachable, errTrip)
	}
	if resp.status >= 500 {
		metrics.ObserveSessionLogin("unreachable")
		return "", newError(c.gatewayID, "login", resp.status, ErrGatewayUnreachable, bodyError(resp.body))
	}
	if resp.status < 200 || resp.status >= 300 {
		metrics.ObserveSessionLogin("rejected")
		return "", newError(c.gatewayID, "login", resp.status, ErrAuthFailure, bodyError(resp.body))
	}
	for _, cookie := range resp.cookies {
		if cookie != nil && cookie.Name == sessionCookieName && cookie.Value != "" {
			metrics.ObserveSessionLogin("ok")
			return cookie.Value, nil
		}
	}
	metrics.ObserveSessionLogin("rejected")
	return "", newError(c.gatewayID, "login", resp.status, ErrAuthFailure, errors.New("session cookie not found in response"))
}

func (c *WGEasyClient) roundTrip(ctx context.Context, method, path string, body []byte, accept, token string, retry bool) (*response, error) {
	send := func() (*http.Response, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, errReq := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if errReq != nil {
			return nil, errReq
		}
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
		}
		return c.http.Do(req)
	}

	var (
		httpResp *http.Response
		errDo    error
	)
	if retry {
		httpResp, errDo = c.reads.WithContext(ctx).Get(send)
	} else {
		httpResp, errDo = send()
	}
	if errDo != nil {
		return nil, errDo
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.WithError(errClose).Debug("gateway: close response body failed")
		}
	}()
	data, errRead := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if errRead != nil {
		return nil, errRead
	}
	return &response{status: httpResp.StatusCode, body: data, cookies: httpResp.Cookies()}, nil
}

func bodyError(body []byte) error {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}
	if len(trimmed) > maxErrorBodyBytes {
		trimmed = trimmed[:maxErrorBodyBytes]
	}
	return errors.New(trimmed)
}

func formatExpiry(expiresAt *time.Time) any {
	if expiresAt == nil || expiresAt.IsZero() {
		return nil
	}
	return expiresAt.UTC().Format(expiryLayout)
}

func createdAt(p Peer) time.Time {
	if p.CreatedAt == nil {
		return time.Time{}
	}
	return *p.CreatedAt
}

// remoteID accepts numeric and string peer ids.
type remoteID string

func (r *remoteID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*r = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = remoteID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*r = remoteID(n.String())
	return nil
}

// optionalTime tolerates null and empty strings.
type optionalTime struct {
	t *time.Time
}

func (o *optionalTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" || string(data) == `""` {
		o.t = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return err
	}
	parsed = parsed.UTC()
	o.t = &parsed
	return nil
}

type wgClient struct {
	ID                remoteID     `json:"id"`
	Name              string       `json:"name"`
	Enabled           *bool        `json:"enabled"`
	PublicKey         string       `json:"publicKey"`
	TransferRx        *float64     `json:"transferRx"`
	TransferTx        *float64     `json:"transferTx"`
	CreatedAt         optionalTime `json:"createdAt"`
	ExpiresAt         optionalTime `json:"expiresAt"`
	LatestHandshakeAt optionalTime `json:"latestHandshakeAt"`
}

func (w wgClient) toPeer() Peer {
	peer := Peer{
		ID:                string(w.ID),
		Name:              w.Name,
		Enabled:           true,
		PublicKey:         normalizePublicKey(w.PublicKey),
		CreatedAt:         w.CreatedAt.t,
		ExpiresAt:         w.ExpiresAt.t,
		LatestHandshakeAt: w.LatestHandshakeAt.t,
	}
	if w.Enabled != nil {
		peer.Enabled = *w.Enabled
	}
	if w.TransferRx != nil && *w.TransferRx > 0 {
		peer.TransferRx = int64(*w.TransferRx)
	}
	if w.TransferTx != nil && *w.TransferTx > 0 {
		peer.TransferTx = int64(*w.TransferTx)
	}
	return peer
}

func normalizePublicKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	key, err := wgtypes.ParseKey(raw)
	if err != nil {
		return raw
	}
	return key.String()
}
