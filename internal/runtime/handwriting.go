package runtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// ServeHandwriting relays an ink payload to the recognition upstream in a
// single attempt and returns the upstream status and body untouched.
func (p *Proxy) ServeHandwriting(w http.ResponseWriter, r *http.Request) {
	rec := p.begin(w, r, routeHandwriting)

	payload, err := p.readInkPayload(w, r)
	if err != nil {
		p.WriteError(w, http.StatusBadRequest, CodeBadRequestBody, err.Error())
		rec.finish(http.StatusBadRequest, outcomeRejected)
		return
	}

	resp, err := p.handwriting.Recognize(r.Context(), payload)
	if err != nil {
		p.metrics.ObserveUpstreamAttempt(p.handwriting.Name(), 0)
		rec.logger.Warn("upstream fetch failed",
			slog.String("upstream", p.handwriting.Name()),
			slog.Any("error", err),
		)
		p.writeEnvelope(w, http.StatusBadGateway, errorEnvelope{
			Error:    CodeUpstreamFetchFailed,
			Upstream: p.handwriting.Name(),
			Detail:   err.Error(),
		})
		rec.finish(http.StatusBadGateway, outcomeFetchFailed)
		return
	}
	p.metrics.ObserveUpstreamAttempt(p.handwriting.Name(), resp.Status)

	w.Header().Set("Content-Type", jsonContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		rec.logger.Error("handwriting response write failed", slog.Any("error", err))
	}
	rec.finish(resp.Status, outcomeRelayed)
}

// readInkPayload reads the request body, checks it is JSON and returns its
// compact encoding. The payload shape is left to the upstream.
func (p *Proxy) readInkPayload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, p.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, fmt.Errorf("read request body: %w", err)
	}
	var payload json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return nil, err
	}
	return compact.Bytes(), nil
}
