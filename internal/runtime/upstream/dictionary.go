package upstream

import (
	"context"
	"errors"
)

// DictionaryClient searches the word dictionary with a browser header profile.
type DictionaryClient struct {
	*client
}

// NewDictionaryClient builds the dictionary client. opts.URL is the search
// endpoint; the keyword is sent as the "keyword" query parameter.
func NewDictionaryClient(opts Options) (*DictionaryClient, error) {
	c, err := newClient(opts)
	if err != nil {
		return nil, err
	}
	return &DictionaryClient{client: c}, nil
}

// Name identifies the upstream in logs, metrics and error envelopes.
func (d *DictionaryClient) Name() string {
	return d.name
}

// SetHeaders swaps the header profile used by subsequent searches. In-flight
// searches keep the profile they started with.
func (d *DictionaryClient) SetHeaders(headers map[string]string) {
	d.setHeaders(headers)
}

// Headers returns the active header profile. Callers must not mutate it.
func (d *DictionaryClient) Headers() map[string]string {
	return d.currentHeaders()
}

// Search performs one GET for keyword. A single call is a single attempt.
func (d *DictionaryClient) Search(ctx context.Context, keyword string) (Response, error) {
	if keyword == "" {
		return Response{}, errors.New("upstream: dictionary keyword required")
	}
	return toResponse(d.http.R().
		SetContext(ctx).
		SetHeaders(d.currentHeaders()).
		SetQueryParam("keyword", keyword).
		Get(d.endpoint))
}

// Close releases idle connections.
func (d *DictionaryClient) Close() error {
	return d.close()
}
