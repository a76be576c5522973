package gallery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrUnavailable wraps transport failures and non-2xx answers.
var ErrUnavailable = errors.New("gallery api unavailable")

// Image is an entry of the gallery API's image list.
type Image struct {
	ID       uuid.UUID `json:"id"`
	Title    string    `json:"title"`
	FileName string    `json:"fileName"`
}

// Client calls the gallery API. It sends no credentials.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient builds a client for apiRoot, e.g. https://localhost:7075/.
func NewClient(apiRoot string, timeout time.Duration) (*Client, error) {
	base, err := url.Parse(apiRoot)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("gallery: invalid api root %q", apiRoot)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{base: base, http: &http.Client{Timeout: timeout}}, nil
}

// GetImages lists the images.
func (c *Client) GetImages(ctx context.Context) ([]Image, error) {
	var images []Image
	if err := c.get(ctx, "api/images", &images); err != nil {
		return nil, err
	}
	return images, nil
}

func (c *Client) get(ctx context.Context, path string, dst any) error {
	target := c.base.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: GET %s returned %d", ErrUnavailable, target.Path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", target.Path, err)
	}
	return nil
}
