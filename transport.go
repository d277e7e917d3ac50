package clsproducer

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

const maxResponseMessageBytes = 64 * 1024

type PostResult struct {
	// <= 0 when no response was received
	StatusCode int
	RequestID  string
	Message    string
}

// Poster delivers one request body to the collector.
type Poster interface {
	Post(url string, header http.Header, body []byte) PostResult
}

type HTTPPoster struct {
	client *http.Client
}

func newHTTPPoster(transport *http.Transport, sendTimeout time.Duration) *HTTPPoster {
	return &HTTPPoster{
		client: &http.Client{
			Transport: transport,
			Timeout:   sendTimeout,
		},
	}
}

func (p *HTTPPoster) Post(url string, header http.Header, body []byte) PostResult {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return PostResult{StatusCode: -1, Message: err.Error()}
	}
	req.Header = header.Clone()
	if host := header.Get("Host"); host != "" {
		req.Host = host
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return PostResult{StatusCode: -1, Message: err.Error()}
	}
	defer resp.Body.Close()

	msg, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseMessageBytes))
	if err != nil {
		Logger.Warn(nil, err)
	}
	return PostResult{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get(requestIDHeaderKey),
		Message:    string(msg),
	}
}

// transportLifecycle owns the HTTP transport of one client. Acquire and release are
// refcounted so the connection pool is torn down exactly once.
type transportLifecycle struct {
	mu        sync.Mutex
	refs      int
	transport *http.Transport
}

func (l *transportLifecycle) acquire(connectTimeout time.Duration) *http.Transport {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.transport == nil {
		dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
		l.transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: connectTimeout,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	l.refs++
	return l.transport
}

func (l *transportLifecycle) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs == 0 {
		return
	}
	l.refs--
	if l.refs == 0 && l.transport != nil {
		l.transport.CloseIdleConnections()
		l.transport = nil
	}
}
