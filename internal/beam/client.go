// Package beam is a client for the socket endpoints of a Samply.Beam proxy.
//
// It covers exactly what file transfer needs: long-polling for incoming
// socket tasks, upgrading a task into a raw byte stream, and opening an
// outbound socket to another application. Both upgrades use HTTP/1.1
// "Upgrade: tcp"; once the proxy answers 101 the connection carries the file
// bytes unframed.
package beam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultProxyURL is where a proxy usually lives inside a Beam deployment.
const DefaultProxyURL = "http://beam-proxy:8081"

// ErrUnexpectedStatus is wrapped by errors for non-success proxy responses.
var ErrUnexpectedStatus = errors.New("unexpected proxy status")

// SocketTask announces that a remote application wants to open a socket to
// this one.
type SocketTask struct {
	ID       string          `json:"id"`
	From     string          `json:"from"`
	To       []string        `json:"to,omitempty"`
	TTL      string          `json:"ttl,omitempty"`
	Metadata json.RawMessage `json:"metadata"`
}

// Client talks to the local Beam proxy on behalf of one application.
// It is safe for concurrent use.
type Client struct {
	base   *url.URL
	id     AppID
	secret string
	http   *http.Client

	// PollWait is passed to the proxy as wait_time. Zero leaves the choice
	// to the proxy.
	PollWait time.Duration
}

// NewClient creates a client for the proxy at baseURL authenticating as id.
// httpClient may be nil. It must not have a Timeout set: the timeout would
// also apply to upgraded sockets, which live as long as a transfer.
func NewClient(baseURL string, id AppID, secret string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("proxy url %q must be http(s)://host[:port]", baseURL)
	}
	if id.IsZero() {
		return nil, fmt.Errorf("%w: own id is required", ErrInvalidAppID)
	}
	if secret == "" {
		return nil, errors.New("proxy secret is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{base: u, id: id, secret: secret, http: httpClient}, nil
}

// ID returns the identifier the client authenticates as.
func (c *Client) ID() AppID { return c.id }

// PollSockets blocks until the proxy has up to waitCount socket tasks for
// this application or its long poll times out. A timeout yields an empty
// slice, not an error.
func (c *Client) PollSockets(ctx context.Context, waitCount int) ([]SocketTask, error) {
	u := c.base.JoinPath("v1", "sockets")
	q := url.Values{}
	if waitCount > 0 {
		q.Set("wait_count", strconv.Itoa(waitCount))
	}
	if c.PollWait > 0 {
		q.Set("wait_time", strconv.FormatInt(c.PollWait.Milliseconds(), 10)+"ms")
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get socket tasks: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusNoContent:
		return nil, nil
	default:
		return nil, statusError(resp)
	}

	var tasks []SocketTask
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		return nil, fmt.Errorf("decode socket tasks: %w", err)
	}
	return tasks, nil
}

// ConnectSocket upgrades the socket task with the given id into a byte stream.
func (c *Client) ConnectSocket(ctx context.Context, id string) (io.ReadWriteCloser, error) {
	u := c.base.JoinPath("v1", "sockets", id)
	return c.upgrade(ctx, http.MethodGet, u, nil)
}

// CreateSocket opens an outbound socket to another application. metadata is
// marshalled to JSON and delivered to the receiver with the socket task.
func (c *Client) CreateSocket(ctx context.Context, to AppID, metadata any) (io.ReadWriteCloser, error) {
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode socket metadata: %w", err)
	}
	u := c.base.JoinPath("v1", "sockets", to.String())
	h := http.Header{}
	h.Set("metadata", string(data))
	return c.upgrade(ctx, http.MethodPost, u, h)
}

func (c *Client) upgrade(ctx context.Context, method string, u *url.URL, extra http.Header) (io.ReadWriteCloser, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), http.NoBody)
	if err != nil {
		return nil, err
	}
	for k, vs := range extra {
		req.Header[k] = vs
	}
	c.authorize(req)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "tcp")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u.Path, err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		defer resp.Body.Close() //nolint:errcheck // best-effort cleanup
		return nil, statusError(resp)
	}
	rwc, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s %s: upgraded body is not writable", method, u.Path)
	}
	return rwc, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "ApiKey "+c.id.String()+" "+c.secret)
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}
	return fmt.Errorf("%w: %s: %s", ErrUnexpectedStatus, resp.Status, msg)
}
