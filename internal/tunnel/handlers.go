package tunnel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/philsphicas/beamfile/internal/beam"
	"github.com/philsphicas/beamfile/internal/metrics"
	"github.com/philsphicas/beamfile/internal/protocol"
	"github.com/philsphicas/beamfile/internal/relay"
)

const (
	viaHTTP      = "http"
	viaWebSocket = "websocket"
)

type errorResponse struct {
	Error string `json:"error"`
}

// sendResponse is returned once the outbound socket is open. The transfer
// may still be in flight.
type sendResponse struct {
	ID string `json:"id"`
	To string `json:"to"`
}

func replyError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: msg})
}

// authenticate checks the Basic credential's password against the API key.
// The username is not checked.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, password, ok := r.BasicAuth()
		if !ok || !s.cfg.APIKey.Verify(password) {
			s.cfg.Logger.Warn("unauthorized tunnel request", "remote", r.RemoteAddr, "path", r.URL.Path)
			s.cfg.Metrics.TransferError(metrics.RoleTunnel, metrics.ReasonAuthFailed)
			w.Header().Set("WWW-Authenticate", `Basic realm="beamfile"`)
			replyError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// admit resolves the destination and takes an admission slot. On failure it
// has already replied; on success the caller must release the slot.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) (beam.AppID, bool) {
	dest, err := s.cfg.Self.Destination(chi.URLParam(r, "to"))
	if err != nil {
		s.cfg.Metrics.TransferError(metrics.RoleTunnel, metrics.ReasonBadRequest)
		replyError(w, r, http.StatusBadRequest, err.Error())
		return beam.AppID{}, false
	}
	if !s.sem.tryAcquire(r.Context()) {
		s.cfg.Logger.Warn("transfer limit reached, rejecting", "to", dest, "max", s.cfg.MaxTransfers)
		s.cfg.Metrics.TransferError(metrics.RoleTunnel, metrics.ReasonRejected)
		replyError(w, r, http.StatusServiceUnavailable, "too many transfers in flight")
		return beam.AppID{}, false
	}
	return dest, true
}

// register adds the transfer before its socket is opened, so shutdown
// waits for opens too. On failure it has already replied.
func (s *Server) register(w http.ResponseWriter, r *http.Request, dest beam.AppID, name, via string) (*transfer, bool) {
	t, ok := s.transfers.add(dest.String(), name, via)
	if !ok {
		s.cfg.Metrics.TransferError(metrics.RoleTunnel, metrics.ReasonRejected)
		replyError(w, r, http.StatusServiceUnavailable, "server is shutting down")
		return nil, false
	}
	return t, true
}

// open opens the outbound socket under the transfer's context. A client
// that goes away while the socket is opening cancels it as well.
func (s *Server) open(r *http.Request, t *transfer, dest beam.AppID, meta protocol.FileMeta) (io.ReadWriteCloser, error) {
	stop := context.AfterFunc(r.Context(), t.cancel)
	defer stop()
	return s.cfg.Metrics.InstrumentedOpen(t.ctx, s.cfg.Proxy, dest, meta, metrics.RoleTunnel, 0, s.cfg.Logger)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	logger := s.cfg.Logger
	dest, ok := s.admit(w, r)
	if !ok {
		return
	}
	defer s.sem.release()

	meta := protocol.FromHeaders(r.Header, logger)
	t, ok := s.register(w, r, dest, meta.SuggestedName, viaHTTP)
	if !ok {
		return
	}
	defer s.transfers.done(t)

	stream, err := s.open(r, t, dest, meta)
	if err != nil {
		logger.Warn("failed to open outbound socket", "to", dest, "error", err)
		replyError(w, r, http.StatusInternalServerError, "could not open outbound socket")
		return
	}
	logger = logger.With("transfer", t.id, "to", dest)

	// Reading the body after the response went out needs full duplex on
	// HTTP/1.x. HTTP/2 always allows it and reports ErrNotSupported.
	rc := http.NewResponseController(w)
	if err := rc.EnableFullDuplex(); err != nil {
		logger.Debug("full duplex not enabled", "error", err)
	}
	// Once the 200 is out net/http no longer sends 100 Continue by itself,
	// and a client waiting for it would never send the body.
	if strings.EqualFold(r.Header.Get("Expect"), "100-continue") {
		w.WriteHeader(http.StatusContinue)
	}
	render.JSON(w, r, sendResponse{ID: t.id, To: dest.String()})
	if err := rc.Flush(); err != nil {
		logger.Debug("flush response", "error", err)
	}

	logger.Info("tunnel transfer started", "name", meta.SuggestedName)
	n, err := s.cfg.Metrics.TrackedUpload(t.ctx, stream, io.TeeReader(r.Body, t), metrics.RoleTunnel, dest.String())
	if err != nil {
		logger.Warn("tunnel transfer failed", "bytes", n, "error", err)
		return
	}
	logger.Info("tunnel transfer done", "bytes", n)
}

// handleWebSocketSend streams binary messages into the outbound socket. A
// client that ends the upload with a text message instead of a close frame
// gets a text reply once the socket is closed: the sendResponse JSON on
// success, an errorResponse otherwise.
func (s *Server) handleWebSocketSend(w http.ResponseWriter, r *http.Request) {
	logger := s.cfg.Logger
	dest, ok := s.admit(w, r)
	if !ok {
		return
	}
	defer s.sem.release()

	meta := protocol.FromHeaders(r.Header, logger)
	if q := r.URL.Query(); q.Has(protocol.HeaderFilename) || q.Has(protocol.HeaderMetadata) {
		meta = protocol.FromValues(q.Get(protocol.HeaderFilename), q.Get(protocol.HeaderMetadata), logger)
	}
	t, ok := s.register(w, r, dest, meta.SuggestedName, viaWebSocket)
	if !ok {
		return
	}
	defer s.transfers.done(t)

	stream, err := s.open(r, t, dest, meta)
	if err != nil {
		logger.Warn("failed to open outbound socket", "to", dest, "error", err)
		replyError(w, r, http.StatusInternalServerError, "could not open outbound socket")
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		stream.Close() //nolint:errcheck // best-effort cleanup
		return
	}
	defer ws.CloseNow() //nolint:errcheck // best-effort cleanup
	ws.SetReadLimit(-1)

	logger = logger.With("transfer", t.id, "to", dest)
	logger.Info("tunnel transfer started", "name", meta.SuggestedName)

	tracker := s.cfg.Metrics.TransferStarted(metrics.RoleTunnel, dest.String())
	n, err := relay.CopyMessages(t.ctx, io.MultiWriter(stream, t), ws)
	if closeErr := stream.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	tracker.Done(n, 0, err)

	var reply any = sendResponse{ID: t.id, To: dest.String()}
	code := websocket.StatusNormalClosure
	if err != nil {
		logger.Warn("tunnel transfer failed", "bytes", n, "error", err)
		reply = errorResponse{Error: "transfer failed"}
		code = websocket.StatusInternalError
	} else {
		logger.Info("tunnel transfer done", "bytes", n)
	}
	// Fails harmlessly when the client ended with a close frame.
	if data, err := json.Marshal(reply); err == nil {
		ws.Write(t.ctx, websocket.MessageText, data) //nolint:errcheck // best-effort reply
	}
	ws.Close(code, "") //nolint:errcheck // best-effort cleanup
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.transfers.list())
}
