package capture

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Interceptor is the http.RoundTripper a Registry installs for a module. It
// forwards every request unchanged and records what it observes on the side.
// Nothing that goes wrong while recording ever reaches the caller.
type Interceptor struct {
	next   http.RoundTripper
	module *Module
}

// Module returns the module this interceptor records into.
func (t *Interceptor) Module() *Module {
	return t.module
}

// Unwrap returns the transport the interceptor forwards to.
func (t *Interceptor) Unwrap() http.RoundTripper {
	return t.next
}

// CloseIdleConnections forwards to the wrapped transport when it supports it,
// so http.Client.CloseIdleConnections keeps working through the interceptor.
func (t *Interceptor) CloseIdleConnections() {
	type closeIdler interface {
		CloseIdleConnections()
	}
	if ci, ok := t.next.(closeIdler); ok {
		ci.CloseIdleConnections()
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	ex, outreq := t.begin(req)
	if ex == nil {
		return t.next.RoundTrip(req)
	}

	resp, err := t.next.RoundTrip(outreq)
	if resp != nil && resp.Request == outreq {
		resp.Request = req
	}
	t.observe(ex, resp, err)
	return resp, err
}

// begin decides whether req is recorded and snapshots its request facet. It
// returns a nil exchange when the call should pass through untouched.
func (t *Interceptor) begin(req *http.Request) (ex *exchange, outreq *http.Request) {
	m := t.module
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("method", req.Method).Msg("capture setup failed")
			ex, outreq = nil, req
		}
	}()

	if !m.Enabled() {
		return nil, req
	}
	if f := m.currentFilter(); f != nil && !f.Accept(req) {
		return nil, req
	}
	if m.limiter != nil && !m.limiter.Allow() {
		m.log.Debug().Str("method", req.Method).Msg("capture rate exceeded, skipping")
		return nil, req
	}

	ex = &exchange{
		module: m,
		id:     uuid.NewString(),
		start:  time.Now(),
		request: RequestFacet{
			Method: req.Method,
			Header: m.redactHeader(req.Header),
			SentAt: time.Now(),
		},
		contentLength: req.ContentLength,
	}
	if ex.request.Method == "" {
		ex.request.Method = http.MethodGet
	}
	if req.URL != nil {
		ex.request.URL = req.URL.Redacted()
	}

	outreq = req
	switch {
	case req.Body == nil || req.Body == http.NoBody:
	case req.GetBody != nil && ex.copyRequestBody(req):
	default:
		// The body can only be read once: record it as the transport sends it.
		ex.requestBuf = newCapBuffer(m.maxBodyBytes)
		clone := *req
		clone.Body = &teeBody{rc: req.Body, buf: ex.requestBuf}
		outreq = &clone
	}
	return ex, outreq
}

// observe records the outcome of the forwarded call.
func (t *Interceptor) observe(ex *exchange, resp *http.Response, err error) {
	defer ex.recover("capture response failed")

	elapsed := time.Since(ex.start)
	if err != nil || resp == nil {
		failure := &FailureFacet{Error: "nil response"}
		if err != nil {
			failure.Error = err.Error()
			failure.Canceled = errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		}
		ex.complete(nil, failure, elapsed)
		return
	}

	facet := &ResponseFacet{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Proto:      resp.Proto,
		Header:     ex.module.redactHeader(resp.Header),
		ReceivedAt: time.Now(),
	}

	// Upgraded connections hand back a writable body that must stay as it is.
	if resp.Body == nil || resp.Body == http.NoBody || resp.StatusCode == http.StatusSwitchingProtocols {
		ex.complete(facet, nil, elapsed)
		return
	}

	buf := newCapBuffer(ex.module.maxBodyBytes)
	contentLength := resp.ContentLength
	resp.Body = &responseTee{
		rc:  resp.Body,
		buf: buf,
		done: func(readErr error) {
			defer ex.recover("capture response body failed")
			body, size, truncated := buf.snapshot()
			facet.Body = body
			facet.BodySize = size
			facet.Truncated = truncated ||
				(readErr != nil && !(contentLength >= 0 && size == contentLength))
			ex.complete(facet, nil, elapsed)
		},
	}
}

// exchange carries one recorded call from begin to complete.
type exchange struct {
	module        *Module
	id            string
	start         time.Time
	request       RequestFacet
	requestBuf    *capBuffer
	contentLength int64
}

// copyRequestBody snapshots the body through GetBody, leaving req.Body alone.
func (ex *exchange) copyRequestBody(req *http.Request) bool {
	body, err := req.GetBody()
	if err != nil {
		return false
	}
	defer body.Close()

	buf := newCapBuffer(ex.module.maxBodyBytes)
	if _, err := io.Copy(buf, body); err != nil {
		return false
	}
	ex.request.Body, ex.request.BodySize, ex.request.Truncated = buf.snapshot()
	return true
}

// complete builds the item, encrypts it when configured and stores it.
func (ex *exchange) complete(resp *ResponseFacet, failure *FailureFacet, elapsed time.Duration) {
	defer ex.recover("capture store failed")

	m := ex.module
	item := Item{
		ExchangeID: ex.id,
		Module:     m.name,
		Request:    ex.request,
		Response:   resp,
		Failure:    failure,
		Elapsed:    elapsed,
	}
	if ex.requestBuf != nil {
		body, size, truncated := ex.requestBuf.snapshot()
		item.Request.Body = body
		item.Request.BodySize = size
		item.Request.Truncated = truncated || (ex.contentLength > 0 && size < ex.contentLength)
	}

	if enc := m.currentEncryptor(); enc != nil {
		if err := sealItem(&item, enc); err != nil {
			item.EncryptionFailed = true
			m.log.Warn().Err(err).Str("method", item.Request.Method).Str("url", item.Request.URL).
				Msg("encryption failed, storing raw bodies")
		}
	}
	m.commit(item)
}

func (ex *exchange) recover(msg string) {
	if r := recover(); r != nil {
		ex.module.log.Error().Interface("panic", r).
			Str("method", ex.request.Method).Str("url", ex.request.URL).Msg(msg)
	}
}
