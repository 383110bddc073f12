package marker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/ride-convoy/internal/models"
)

// ImageSource fetches raw avatar bytes. Failures are transient and subject
// to the cache's retry policy.
type ImageSource interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPImageSource fetches avatars over plain HTTP.
type HTTPImageSource struct {
	Client *http.Client
}

func NewHTTPImageSource() *HTTPImageSource {
	return &HTTPImageSource{Client: &http.Client{Timeout: 3 * time.Second}}
}

func (s *HTTPImageSource) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: image fetch status %d", models.ErrTransientNetwork, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
