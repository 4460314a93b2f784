// Package proxy is the request-forwarding core of the load balancer.
//
// Handler picks a backend from the pool, forwards the client's request to
// it, streams the response back, and reports the outcome to the pool so
// passive ejection can happen the instant a backend fails — without waiting
// for the next active probe.
//
// It drives the round trip directly (rather than delegating to
// net/http/httputil.ReverseProxy) so that a deadline expiring mid-body-copy
// is visible to outcome classification: ReverseProxy's ErrorHandler only
// fires for pre-header failures, and spec compliance requires mid-stream
// deadline expiry to still passively eject the backend.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"complb/internal/backend"
)

// hopByHopHeaders must not be forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// MetricsRecorder receives one observation per completed client request.
// Satisfied by *admin.Metrics; kept as a small interface here so this
// package does not need to import admin.
type MetricsRecorder interface {
	ObserveRequest(outcome string, d time.Duration)
}

// Handler forwards every request it receives to a backend chosen from Pool.
type Handler struct {
	Pool    *backend.Pool
	Timeout time.Duration
	Client  *http.Client
	Metrics MetricsRecorder // optional; nil disables metrics recording
}

// New constructs a Handler with an http.Client tuned for connection reuse to
// backends. timeout is the total per-request deadline spanning connection,
// headers, and body streaming.
func New(pool *backend.Pool, timeout time.Duration) *Handler {
	return &Handler{
		Pool:    pool,
		Timeout: timeout,
		Client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			// Client.Timeout is deliberately left unset: the context
			// deadline set per request below is what bounds the whole
			// exchange including the body copy.
		},
	}
}

// ServeHTTP satisfies http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	b := h.Pool.Pick()
	if b == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "no healthy backends")
		h.record("no_healthy_backend", start)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	outReq, err := h.buildOutboundRequest(ctx, r, b)
	if err != nil {
		// Only malformed client input reaches here (e.g. an invalid method);
		// the backend never saw the request, so release without penalizing it.
		h.Pool.Release(b, backend.Success)
		http.Error(w, "bad request", http.StatusBadRequest)
		h.record("bad_request", start)
		return
	}

	resp, err := h.Client.Do(outReq)
	if err != nil {
		outcome := classifyDialError(r.Context(), err)
		h.Pool.Release(b, outcome)
		if outcome == backend.ProxyError {
			slog.Error("proxy: backend unreachable", "backend", b.RawURL, "error", err)
			writeJSONError(w, http.StatusBadGateway, "backend unreachable")
			h.record("proxy_error", start)
		} else {
			// Success here means the client disconnected before a response
			// arrived; there is nothing left to write back to it.
			h.record("client_disconnect", start)
		}
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	stripHopByHop(w.Header())
	w.WriteHeader(resp.StatusCode)

	readErr, writeErr := copyBody(w, resp.Body)
	if readErr != nil && classifyDialError(r.Context(), readErr) == backend.Success {
		// The client disconnected while the backend body was still being
		// read; cancelling the client's context aborted the read. The
		// backend did not fail.
		h.Pool.Release(b, backend.Success)
		h.record("client_disconnect", start)
		return
	}
	if readErr != nil {
		// resp.Body itself failed: the backend connection was severed
		// mid-response (reset, EOF before Content-Length, or the proxy
		// deadline firing while reading). Headers are already flushed so the
		// status code can't change, but the pool still needs an accurate
		// outcome for passive ejection.
		slog.Error("proxy: backend connection severed mid-response", "backend", b.RawURL, "error", readErr)
		h.Pool.Release(b, backend.ProxyError)
		h.record("mid_stream_failure", start)
		return
	}
	if writeErr != nil {
		// Writing to the client failed (e.g. it disconnected); the backend
		// served a perfectly good response, so it is not at fault.
		h.Pool.Release(b, backend.Success)
		h.record("client_disconnect", start)
		return
	}

	// A backend that produced a response — any status code — is alive.
	// Liveness is a transport concept, not an application-status one.
	h.Pool.Release(b, backend.Success)
	h.record("success", start)
}

// copyBody streams src into dst, reporting which side a failure came from:
// readErr is non-nil only if reading src (the backend's response body)
// failed; writeErr is non-nil only if writing to dst (the client) failed.
// A plain io.Copy cannot make this distinction, which is exactly the
// information passive ejection needs.
func copyBody(dst io.Writer, src io.Reader) (readErr, writeErr error) {
	buf := make([]byte, 32*1024)
	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			if ew != nil {
				return nil, ew
			}
			if nw != nr {
				return nil, io.ErrShortWrite
			}
		}
		if er != nil {
			if er == io.EOF {
				return nil, nil
			}
			return er, nil
		}
	}
}

func (h *Handler) record(outcome string, start time.Time) {
	if h.Metrics != nil {
		h.Metrics.ObserveRequest(outcome, time.Since(start))
	}
}

// buildOutboundRequest constructs the request to send to b: same method,
// path, query, and body as the client's, retargeted to b's origin, with
// hop-by-hop headers stripped and Host rewritten to the backend's authority.
func (h *Handler) buildOutboundRequest(ctx context.Context, r *http.Request, b *backend.Backend) (*http.Request, error) {
	outURL := *r.URL
	outURL.Scheme = b.URL.Scheme
	outURL.Host = b.URL.Host

	outReq, err := http.NewRequestWithContext(ctx, r.Method, outURL.String(), r.Body)
	if err != nil {
		return nil, err
	}
	outReq.Header = r.Header.Clone()
	stripHopByHop(outReq.Header)
	outReq.Host = b.URL.Host
	outReq.ContentLength = r.ContentLength
	return outReq, nil
}

// classifyDialError distinguishes a client going away (Success — the
// backend did not fail) from the proxy-side deadline firing or any other
// transport failure (ProxyError).
func classifyDialError(clientCtx context.Context, err error) backend.Outcome {
	if clientCtx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
		return backend.Success
	}
	return backend.ProxyError
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func stripHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
