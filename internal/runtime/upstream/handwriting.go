package upstream

import "context"

// HandwritingClient relays recognition payloads to the handwriting service.
type HandwritingClient struct {
	*client
}

func NewHandwritingClient(opts Options) (*HandwritingClient, error) {
	c, err := newClient(opts)
	if err != nil {
		return nil, err
	}
	return &HandwritingClient{client: c}, nil
}

func (h *HandwritingClient) Name() string {
	return h.name
}

// Recognize POSTs payload unchanged.
func (h *HandwritingClient) Recognize(ctx context.Context, payload []byte) (Response, error) {
	return toResponse(h.http.R().
		SetContext(ctx).
		SetHeaders(h.currentHeaders()).
		SetBody(payload).
		Post(h.endpoint))
}

func (h *HandwritingClient) Close() error {
	return h.close()
}
