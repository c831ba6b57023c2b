package tunnel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/philsphicas/beamfile/internal/auth"
	"github.com/philsphicas/beamfile/internal/beam"
	"github.com/philsphicas/beamfile/internal/metrics"
	"github.com/philsphicas/beamfile/internal/protocol"
	"github.com/philsphicas/beamfile/internal/relay/relaytest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const secret = "s3cret"

var self = beam.AppID{App: "tunnel", Proxy: "proxy1", Broker: "broker"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, p *relaytest.Proxy) Config {
	t.Helper()
	key, err := auth.ParseAPIKey(secret)
	require.NoError(t, err)
	return Config{Proxy: p, Self: self, APIKey: key, Logger: discardLogger()}
}

func startServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func post(t *testing.T, url, password string, body io.Reader, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, body)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	if password != "" {
		req.SetBasicAuth("anyone", password)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeSendResponse(t *testing.T, resp *http.Response) sendResponse {
	t.Helper()
	var out sendResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSendDeliversBody(t *testing.T) {
	p := relaytest.New()
	_, ts := startServer(t, testConfig(t, p))

	header := http.Header{}
	header.Set("filename", "report.pdf")
	header.Set("metadata", `{"study":"s1"}`)
	resp := post(t, ts.URL+"/send/b.proxy2", secret, strings.NewReader("tunnelled bytes"), header)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decodeSendResponse(t, resp)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "b.proxy2.broker", got.To)

	require.Len(t, p.Outbound(), 1)
	stream := p.Outbound()[0]
	select {
	case <-stream.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream not closed after upload")
	}
	assert.Equal(t, "tunnelled bytes", stream.Data())
	assert.Equal(t, "b.proxy2.broker", stream.To.String())
	meta, err := protocol.DecodeStream(stream.Metadata)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", meta.SuggestedName)
	assert.JSONEq(t, `{"study":"s1"}`, string(meta.Meta))
}

func TestSendExpectContinue(t *testing.T) {
	p := relaytest.New()
	_, ts := startServer(t, testConfig(t, p))

	// The transport waits for 100 Continue before sending the body.
	tr := &http.Transport{ExpectContinueTimeout: time.Minute}
	defer tr.CloseIdleConnections()
	client := &http.Client{Transport: tr, Timeout: 10 * time.Second}

	body := strings.Repeat("x", 2<<20)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/send/b.proxy2", strings.NewReader(body))
	require.NoError(t, err)
	req.SetBasicAuth("anyone", secret)
	req.Header.Set("Expect", "100-continue")
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeSendResponse(t, resp)
	assert.Equal(t, "b.proxy2.broker", got.To)

	require.Len(t, p.Outbound(), 1)
	stream := p.Outbound()[0]
	select {
	case <-stream.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("body never arrived")
	}
	assert.Equal(t, len(body), len(stream.Data()))
}

func TestSendBadMetadataHeaderDegrades(t *testing.T) {
	p := relaytest.New()
	_, ts := startServer(t, testConfig(t, p))

	header := http.Header{}
	header.Set("metadata", `{not json`)
	resp := post(t, ts.URL+"/send/proxy2", secret, strings.NewReader("x"), header)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, p.Outbound(), 1)
	assert.Equal(t, "tunnel.proxy2.broker", p.Outbound()[0].To.String())
	assert.JSONEq(t, `{"suggested_name":null,"meta":null}`, string(p.Outbound()[0].Metadata))
}

func TestSendUnauthorized(t *testing.T) {
	tests := []struct {
		name     string
		password string
	}{
		{"missing credential", ""},
		{"wrong password", "guess"},
		{"prefix of secret", "s3c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := relaytest.New()
			m := metrics.New()
			cfg := testConfig(t, p)
			cfg.Metrics = m
			_, ts := startServer(t, cfg)

			resp := post(t, ts.URL+"/send/b.proxy2", tt.password, strings.NewReader("x"), nil)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Empty(t, p.Outbound(), "no outbound socket may be opened")
		})
	}
}

func TestSendStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		create error
		want   int
	}{
		{"too many segments", "/send/a.b.c", nil, http.StatusBadRequest},
		{"empty segment", "/send/.proxy2", nil, http.StatusBadRequest},
		{"open fails", "/send/b.proxy2", errors.New("proxy down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := relaytest.New()
			if tt.create != nil {
				p.FailCreate(tt.create, -1)
			}
			_, ts := startServer(t, testConfig(t, p))
			resp := post(t, ts.URL+tt.path, secret, strings.NewReader("x"), nil)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Empty(t, p.Outbound())
		})
	}
}

func TestBcryptAPIKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	key, err := auth.ParseAPIKey(string(hash))
	require.NoError(t, err)

	p := relaytest.New()
	cfg := testConfig(t, p)
	cfg.APIKey = key
	_, ts := startServer(t, cfg)

	assert.Equal(t, http.StatusUnauthorized, post(t, ts.URL+"/send/b.proxy2", string(hash), strings.NewReader("x"), nil).StatusCode)
	assert.Equal(t, http.StatusOK, post(t, ts.URL+"/send/b.proxy2", secret, strings.NewReader("x"), nil).StatusCode)
}

func TestAdmissionAndTransferList(t *testing.T) {
	p := relaytest.New()
	cfg := testConfig(t, p)
	cfg.MaxTransfers = 1
	s, ts := startServer(t, cfg)

	pr, pw := io.Pipe()
	header := http.Header{}
	header.Set("filename", "slow.bin")
	resp := post(t, ts.URL+"/send/b.proxy2", secret, pr, header)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decodeSendResponse(t, resp)

	// The response arrived while the body is still streaming.
	_, err := pw.Write([]byte("part1 "))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		list := s.Transfers()
		return len(list) == 1 && list[0].Bytes == int64(len("part1 "))
	}, 5*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/transfers", nil)
	require.NoError(t, err)
	req.SetBasicAuth("", secret)
	listResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer listResp.Body.Close()
	var list []TransferInfo
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, "slow.bin", list[0].Name)
	assert.Equal(t, viaHTTP, list[0].Via)

	rejected := post(t, ts.URL+"/send/b.proxy2", secret, strings.NewReader("x"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rejected.StatusCode)
	assert.Len(t, p.Outbound(), 1)

	_, err = pw.Write([]byte("part2"))
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	<-p.Outbound()[0].Done()
	assert.Equal(t, "part1 part2", p.Outbound()[0].Data())

	require.Eventually(t, func() bool { return len(s.sem.ch) == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, s.Transfers())
	assert.Equal(t, http.StatusOK, post(t, ts.URL+"/send/b.proxy2", secret, strings.NewReader("y"), nil).StatusCode)
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	_, ts := startServer(t, testConfig(t, relaytest.New()))
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(ts.URL + "/transfers")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func dialWebSocket(ctx context.Context, t *testing.T, url string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(":"+secret)))
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { ws.CloseNow() })
	return ws
}

func TestWebSocketSend(t *testing.T) {
	p := relaytest.New()
	_, ts := startServer(t, testConfig(t, p))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/send/b.proxy2?filename=data.csv&metadata=%7B%22k%22%3A1%7D"
	ws := dialWebSocket(ctx, t, wsURL)

	for _, part := range []string{"a,b\n", "1,2\n"} {
		require.NoError(t, ws.Write(ctx, websocket.MessageBinary, []byte(part)))
	}
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte("done")))

	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	var reply sendResponse
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.NotEmpty(t, reply.ID)
	assert.Equal(t, "b.proxy2.broker", reply.To)

	require.Len(t, p.Outbound(), 1)
	stream := p.Outbound()[0]
	assert.True(t, stream.Closed(), "stream must be closed before the reply")
	assert.Equal(t, "a,b\n1,2\n", stream.Data())
	meta, err := protocol.DecodeStream(stream.Metadata)
	require.NoError(t, err)
	assert.Equal(t, "data.csv", meta.SuggestedName)
	assert.JSONEq(t, `{"k":1}`, string(meta.Meta))
}

func TestWebSocketUnauthorized(t *testing.T) {
	p := relaytest.New()
	_, ts := startServer(t, testConfig(t, p))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/send/b.proxy2", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, p.Outbound())
}

func serve(t *testing.T, s *Server) (cancel context.CancelFunc, url string, done <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, ln) }()
	return cancel, "http://" + ln.Addr().String(), errc
}

func TestShutdownDrainsTransfers(t *testing.T) {
	p := relaytest.New()
	cfg := testConfig(t, p)
	cfg.ShutdownGrace = 5 * time.Second
	s, err := New(cfg)
	require.NoError(t, err)
	cancel, url, done := serve(t, s)
	defer cancel()

	pr, pw := io.Pipe()
	resp := post(t, url+"/send/b.proxy2", secret, pr, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err = pw.Write([]byte("before "))
	require.NoError(t, err)

	cancel()
	// Shutdown waits for the in-flight transfer.
	select {
	case <-done:
		t.Fatal("Serve returned while a transfer was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	_, err = pw.Write([]byte("after"))
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after the transfer finished")
	}
	assert.Equal(t, "before after", p.Outbound()[0].Data())
	assert.True(t, p.Outbound()[0].Closed())
}

func TestShutdownCancelsAfterGrace(t *testing.T) {
	p := relaytest.New()
	cfg := testConfig(t, p)
	cfg.ShutdownGrace = 100 * time.Millisecond
	s, err := New(cfg)
	require.NoError(t, err)
	cancel, url, done := serve(t, s)
	defer cancel()

	pr, pw := io.Pipe()
	defer pw.Close()
	resp := post(t, url+"/send/b.proxy2", secret, pr, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool { return len(s.Transfers()) == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after the grace period")
	}
	assert.True(t, p.Outbound()[0].Closed(), "cancelled transfer must close its stream")
	assert.Empty(t, s.Transfers())
}

func TestSendRefusedWhileShuttingDown(t *testing.T) {
	p := relaytest.New()
	s, ts := startServer(t, testConfig(t, p))
	s.transfers.close()

	resp := post(t, ts.URL+"/send/b.proxy2", secret, strings.NewReader("x"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Empty(t, p.Outbound(), "no outbound socket may be opened")
	assert.Empty(t, s.Transfers())
}

func TestShutdownCancelsPendingOpen(t *testing.T) {
	p := relaytest.New()
	release := p.HoldCreate()
	defer release()
	cfg := testConfig(t, p)
	cfg.ShutdownGrace = 100 * time.Millisecond
	s, err := New(cfg)
	require.NoError(t, err)
	cancel, url, done := serve(t, s)
	defer cancel()

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		req, err := http.NewRequest(http.MethodPost, url+"/send/b.proxy2", strings.NewReader("x"))
		if err != nil {
			return
		}
		req.SetBasicAuth("anyone", secret)
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
		}
	}()
	require.Eventually(t, func() bool { return p.Holding() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Len(t, s.Transfers(), 1, "a transfer is tracked while its socket opens")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return while a socket was opening")
	}
	assert.Empty(t, s.Transfers())
	assert.Empty(t, p.Outbound())
	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("client still waiting after shutdown")
	}
}

func TestNewValidation(t *testing.T) {
	key, err := auth.ParseAPIKey(secret)
	require.NoError(t, err)
	p := relaytest.New()

	_, err = New(Config{Self: self, APIKey: key})
	assert.ErrorContains(t, err, "proxy")
	_, err = New(Config{Proxy: p, APIKey: key})
	assert.ErrorContains(t, err, "app id")
	_, err = New(Config{Proxy: p, Self: self})
	assert.ErrorContains(t, err, "api key")
}
