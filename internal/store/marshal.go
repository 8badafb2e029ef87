package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/cartsync/internal/cart"
)

// encodeJSON serializes v with HTML escaping disabled so merchandise IDs
// and titles are stored as written.
func encodeJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// marshalItem converts an ADD payload to JSON TEXT. A nil item is stored
// as the empty string.
func marshalItem(item *cart.Item) (string, error) {
	if item == nil {
		return "", nil
	}
	s, err := encodeJSON(item)
	if err != nil {
		return "", fmt.Errorf("marshal item: %w", err)
	}
	return s, nil
}

func unmarshalItem(data string) (*cart.Item, error) {
	if data == "" {
		return nil, nil
	}
	var item cart.Item
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &item, nil
}

func marshalCart(c cart.Cart) (string, error) {
	s, err := encodeJSON(c)
	if err != nil {
		return "", fmt.Errorf("marshal cart: %w", err)
	}
	return s, nil
}

func unmarshalCart(data string) (cart.Cart, error) {
	var c cart.Cart
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return cart.Cart{}, fmt.Errorf("unmarshal cart: %w", err)
	}
	if c.Lines == nil {
		c.Lines = []cart.Line{}
	}
	return c, nil
}

// formatTime stores timestamps as RFC 3339 UTC. The zero time is "".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
