package core

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"

	"specter/events"
	"specter/logger"
	"specter/models"

	"github.com/andybalholm/brotli"
	"github.com/elazarl/goproxy"
	"github.com/google/uuid"
)

// ErrPortExhausted is returned by Start when no port in the retry window
// could be bound.
var ErrPortExhausted = errors.New("no available port in the configured range")

// ProxyConfig tunes the intercepting proxy.
type ProxyConfig struct {
	// MaxPortAttempts is how many consecutive ports to try starting from
	// the preferred one.
	MaxPortAttempts int
	// MaxBodyCapture caps how many body bytes are copied into a scan
	// context. The forwarded body is never truncated.
	MaxBodyCapture int64
}

// Proxy is the intercepting HTTP/HTTPS proxy. It performs TLS interception
// with certificates minted by the Authority and feeds captured exchanges into
// the scan pipeline without ever blocking or modifying the proxied traffic.
type Proxy struct {
	authority *Authority
	pipeline  *Pipeline
	broker    *events.Broker
	cfg       ProxyConfig

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	port     int
	running  bool
}

// NewProxy builds a proxy; call Start to bind a port.
func NewProxy(authority *Authority, pipeline *Pipeline, broker *events.Broker, cfg ProxyConfig) *Proxy {
	if cfg.MaxPortAttempts <= 0 {
		cfg.MaxPortAttempts = 10
	}
	if cfg.MaxBodyCapture <= 0 {
		cfg.MaxBodyCapture = 2 * 1024 * 1024
	}
	return &Proxy{
		authority: authority,
		pipeline:  pipeline,
		broker:    broker,
		cfg:       cfg,
	}
}

// Start binds the first free port in [preferredPort, preferredPort+attempts)
// and begins serving. Returns the bound port, or ErrPortExhausted when every
// candidate is taken.
func (p *Proxy) Start(preferredPort int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return p.port, fmt.Errorf("proxy already running on port %d", p.port)
	}

	var listener net.Listener
	var boundPort int
	var lastErr error
	for i := 0; i < p.cfg.MaxPortAttempts; i++ {
		candidate := preferredPort + i
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", candidate))
		if err != nil {
			logger.ProxyDebug("Port %d unavailable: %v", candidate, err)
			lastErr = err
			continue
		}
		listener = l
		boundPort = candidate
		break
	}
	if listener == nil {
		logger.ProxyError("Could not bind any port in [%d, %d): %v",
			preferredPort, preferredPort+p.cfg.MaxPortAttempts, lastErr)
		return 0, fmt.Errorf("%w: tried %d ports from %d", ErrPortExhausted, p.cfg.MaxPortAttempts, preferredPort)
	}

	server := &http.Server{Handler: p.buildHandler()}
	p.server = server
	p.listener = listener
	p.port = boundPort
	p.running = true

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.ProxyError("Proxy server exited with error: %v", err)
		}
	}()

	if boundPort != preferredPort {
		logger.ProxyInfo("Preferred port %d was busy, proxy listening on %d instead", preferredPort, boundPort)
	}
	logger.ProxyInfo("MITM proxy listening on 127.0.0.1:%d", boundPort)
	p.publishStatus(true, boundPort)
	return boundPort, nil
}

// Stop gracefully shuts the proxy down, letting in-flight exchanges complete
// until the context expires. Connections still open at the deadline are
// closed forcibly.
func (p *Proxy) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	server := p.server
	port := p.port
	p.running = false
	p.server = nil
	p.listener = nil
	p.mu.Unlock()

	err := server.Shutdown(ctx)
	if err != nil {
		logger.ProxyError("Proxy graceful shutdown on port %d returned %v, closing remaining connections", port, err)
		if closeErr := server.Close(); closeErr != nil {
			logger.ProxyError("Proxy close on port %d returned: %v", port, closeErr)
		}
	} else {
		logger.ProxyInfo("Proxy on port %d stopped", port)
	}
	p.publishStatus(false, 0)
	return err
}

// Running reports whether the proxy is serving, and on which port.
func (p *Proxy) Running() (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, p.port
}

func (p *Proxy) publishStatus(running bool, port int) {
	if p.broker == nil {
		return
	}
	p.broker.Publish(events.TypeProxyStatusChanged, events.ProxyStatus{
		Running:     running,
		Port:        port,
		MitmEnabled: true,
		CAPath:      p.authority.CertPath(),
	})
}

func (p *Proxy) buildHandler() http.Handler {
	proxy := goproxy.NewProxyHttpServer()
	proxy.Logger = log.New(io.Discard, "", 0)

	proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		// Issue the leaf up front so a CA failure degrades to a blind
		// tunnel instead of a broken handshake.
		if _, err := p.authority.IssueLeaf(host); err != nil {
			logger.ProxyError("TLS interception unavailable for %s, tunneling instead: %v", host, err)
			return goproxy.OkConnect, host
		}
		logger.ProxyDebug("CONNECT %s: intercepting (session %d)", host, ctx.Session)
		return &goproxy.ConnectAction{
			Action: goproxy.ConnectMitm,
			TLSConfig: func(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error) {
				return p.authority.TLSConfigForHost(host)
			},
		}, host
	}))

	proxy.OnRequest().DoFunc(func(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		reqBodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			logger.ProxyError("REQ: Error reading request body for %s %s: %v", r.Method, r.URL.String(), err)
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewBuffer(reqBodyBytes))

		id := uuid.NewString()
		ctx.UserData = id

		reqCtx := models.NewRequestContext(id, r, capBody(reqBodyBytes, p.cfg.MaxBodyCapture))
		p.pipeline.ProcessRequest(reqCtx)

		logger.ProxyInfo("REQ: %s %s", r.Method, r.URL.String())
		return r, nil
	})

	proxy.OnResponse().DoFunc(func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
		id, ok := ctx.UserData.(string)
		if !ok || id == "" {
			return resp
		}
		if resp == nil {
			logger.ProxyError("RESP: Nil response for %s %s", ctx.Req.Method, ctx.Req.URL.String())
			return resp
		}

		respBodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			logger.ProxyError("RESP: Error reading response body for %s %s: %v", ctx.Req.Method, ctx.Req.URL.String(), err)
		}
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewBuffer(respBodyBytes))

		scanBody := decodeBody(respBodyBytes, resp.Header.Get("Content-Encoding"))
		respCtx := models.NewResponseContext(id, resp, capBody(scanBody, p.cfg.MaxBodyCapture))
		p.pipeline.ProcessResponse(respCtx)

		logger.ProxyInfo("RESP: %d for %s %s (%d bytes)", resp.StatusCode, ctx.Req.Method, ctx.Req.URL.String(), len(respBodyBytes))
		return resp
	})

	return proxy
}

// capBody bounds the scan copy of a body. The bytes forwarded to the client
// are untouched; this only limits what plugins see.
func capBody(body []byte, max int64) []byte {
	if int64(len(body)) <= max {
		return body
	}
	return body[:max]
}

// decodeBody decompresses gzip and brotli response bodies so plugins match
// against plaintext. Unknown encodings and decode failures fall back to the
// raw bytes.
func decodeBody(body []byte, contentEncoding string) []byte {
	if len(body) == 0 {
		return body
	}
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip":
		gr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return body
		}
		defer gr.Close()
		decoded, err := io.ReadAll(io.LimitReader(gr, 32*1024*1024))
		if err != nil {
			return body
		}
		return decoded
	case "br":
		decoded, err := io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(body)), 32*1024*1024))
		if err != nil {
			return body
		}
		return decoded
	default:
		return body
	}
}
