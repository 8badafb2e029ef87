package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/cartsync/internal/cart"
)

// DefaultHTTPTimeout bounds a single HTTP round trip.
const DefaultHTTPTimeout = 10 * time.Second

// errNoContent reports a 2xx response without a body.
var errNoContent = errors.New("empty response body")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
}

// HTTPClient calls a hosted cart backend over JSON.
//
// Transport failures and non-2xx statuses are returned as errors so the
// retry executor treats them as transient. A 2xx body of {"success": false}
// is returned as an unsuccessful Result.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	header  http.Header
	logger  *slog.Logger
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		h.client = c
	}
}

// WithHeader adds a header to every request, e.g. an access token.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTPClient) {
		h.header.Set(key, value)
	}
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTPClient) {
		h.logger = l
	}
}

// NewHTTPClient creates a client for the backend rooted at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	h := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultHTTPTimeout},
		header:  make(http.Header),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// GetCart implements Loader.
func (h *HTTPClient) GetCart(ctx context.Context) (cart.Cart, error) {
	var c cart.Cart
	if err := h.do(ctx, http.MethodGet, "/cart", nil, &c); err != nil {
		return cart.Cart{}, fmt.Errorf("get cart: %w", err)
	}
	if c.Lines == nil {
		c.Lines = []cart.Line{}
	}
	return c, nil
}

// AddToCart implements Actions.
func (h *HTTPClient) AddToCart(ctx context.Context, item cart.Item) (Result, error) {
	return h.mutate(ctx, http.MethodPost, "/cart/lines", item)
}

type quantityBody struct {
	Quantity int `json:"quantity"`
}

// UpdateQuantity implements Actions.
func (h *HTTPClient) UpdateQuantity(ctx context.Context, merchandiseID string, quantity int) (Result, error) {
	return h.mutate(ctx, http.MethodPatch, linePath(merchandiseID), quantityBody{Quantity: quantity})
}

// RemoveItem implements Actions.
func (h *HTTPClient) RemoveItem(ctx context.Context, merchandiseID string) (Result, error) {
	return h.mutate(ctx, http.MethodDelete, linePath(merchandiseID), nil)
}

// mutate sends one cart mutation. A 2xx response without a body, such as
// 204 No Content, is a success without server fields.
func (h *HTTPClient) mutate(ctx context.Context, method, path string, body any) (Result, error) {
	var res Result
	err := h.do(ctx, method, path, body, &res)
	if errors.Is(err, errNoContent) {
		return Result{Success: true}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func linePath(merchandiseID string) string {
	return "/cart/lines/" + url.PathEscape(merchandiseID)
}

func (h *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vs := range h.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	h.logger.Debug("backend response", "method", method, "path", path, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(payload)),
		}
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		return errNoContent
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
