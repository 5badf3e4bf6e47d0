package origin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"korva/internal/metadata"
	"korva/internal/middleware"
	"korva/internal/renderer"
)

const uploadChunkSize = 64 * 1024

var activeTransfers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "korva_origin_active_transfers",
	Help: "Number of in-flight GET/HEAD/POST requests on the HTTP origin server.",
})

// Server is the process-wide singleton HTTP origin server described in
// §4.C: one TCP listener, one URL space ("/item/<id>"), serving files out
// of a Registry of Host Leases.
type Server struct {
	Registry *Registry
	Events   *renderer.EventSink

	logger     *slog.Logger
	listener   net.Listener
	httpServer *http.Server

	// AcceptUpload decides whether a POST's Expect: 100-continue is
	// honored. Nil means always accept.
	AcceptUpload func(*http.Request) bool
}

// NewServer binds addr (typically ":0" for an ephemeral port on all
// interfaces, per §4.C) and returns a Server ready to Serve. limiter, if
// non-nil, bounds the rate of requests accepted per remote IP before
// they reach the lease lookup. events, if non-nil, additionally mounts
// the GENA NOTIFY callback endpoint under "/event/" (§4.E "Observable
// state") on the same listener.
func NewServer(addr string, registry *Registry, logger *slog.Logger, limiter *middleware.IPRateLimiter, events *renderer.EventSink) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind http origin server: %w", err)
	}

	s := &Server{
		Registry: registry,
		Events:   events,
		logger:   logger,
		listener: ln,
	}

	mws := []middleware.Middleware{middleware.WithLogging(logger), middleware.WithObservability()}
	if limiter != nil {
		mws = append(mws, limiter.Middleware)
	}
	handler := middleware.Chain(http.HandlerFunc(s.handle), mws...)
	s.httpServer = &http.Server{Handler: handler}
	return s, nil
}

// Port returns the TCP port the server is bound to.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// URLFor renders the outward URL for lease as seen from iface, the local
// network interface address chosen by the coordinator because it shares a
// subnet with the target renderer (§4.G step 4).
func (s *Server) URLFor(iface string, lease *Lease) string {
	return uriFor(iface, s.Port(), lease.Id())
}

// Serve runs the accept loop until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		return s.httpServer.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if s.Events != nil && strings.HasPrefix(r.URL.Path, "/event/") {
		s.Events.ServeHTTP(w, r)
		return
	}

	const prefix = "/item/"

	if len(r.URL.Path) <= len(prefix) || r.URL.Path[:len(prefix)] != prefix {
		http.NotFound(w, r)
		return
	}
	id := r.URL.Path[len(prefix):]

	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodPost:
	default:
		w.Header().Set("Allow", "GET, HEAD, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	lease, ok := s.Registry.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}

	peer := peerIP(r)
	if !lease.ValidForPeer(peer) {
		// Prevents cross-peer URL leakage (§4.C): the lease exists, but
		// this caller was never granted it, so it doesn't exist to them.
		http.NotFound(w, r)
		return
	}

	activeTransfers.Inc()
	defer activeTransfers.Dec()

	if r.Method == http.MethodPost {
		s.serveUpload(w, r, lease)
		return
	}
	s.serveDownload(w, r, lease)
}

func (s *Server) serveDownload(w http.ResponseWriter, r *http.Request, lease *Lease) {
	lease.touchStart()
	defer lease.touchEnd()

	f, err := os.Open(lease.File())
	if err != nil {
		s.logger.Error("origin: open lease file", "id", lease.Id(), "error", err)
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.logger.Error("origin: stat lease file", "id", lease.Id(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	meta := lease.Meta()
	w.Header().Set("Content-Type", meta.ContentType)

	if r.Header.Get("getContentFeatures.dlna.org") == "1" {
		w.Header().Set("contentFeatures.dlna.org", metadata.ContentFeatures(meta))
	}

	// http.ServeContent would clamp an end offset past the file to its last
	// byte; a single bytes=S-E range whose E is not below the size is
	// answered 416 here instead.
	if spec, ok := strings.CutPrefix(r.Header.Get("Range"), "bytes="); ok && !strings.Contains(spec, ",") {
		if startStr, endStr, found := strings.Cut(spec, "-"); found && strings.TrimSpace(startStr) != "" && strings.TrimSpace(endStr) != "" {
			if end, err := strconv.ParseInt(strings.TrimSpace(endStr), 10, 64); err == nil && end >= info.Size() {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size()))
				http.Error(w, "requested range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
				return
			}
		}
	}

	http.ServeContent(w, r, filepath.Base(lease.File()), info.ModTime(), f)
}

// serveUpload implements the bounded-chunk POST path described in §4.C. It
// exists only for the file-serving contract the spec defines; nothing in
// this repository drives a renderer-initiated upload (§12 notes the
// original's dead-code ambiguity here).
func (s *Server) serveUpload(w http.ResponseWriter, r *http.Request, lease *Lease) {
	lease.touchStart()
	defer lease.touchEnd()

	if s.AcceptUpload != nil && !s.AcceptUpload(r) {
		w.Header().Set("Connection", "close")
		http.Error(w, "upload refused", http.StatusExpectationFailed)
		return
	}

	f, err := os.Create(lease.File())
	if err != nil {
		http.Error(w, "cannot write target", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	buf := make([]byte, uploadChunkSize)
	if _, err := io.CopyBuffer(f, r.Body, buf); err != nil {
		s.logger.Error("origin: upload write", "id", lease.Id(), "error", err)
		http.Error(w, "write failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
}

func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
