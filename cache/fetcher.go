package cache

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

var (
	ErrFetch    = errors.New("image fetch failed")
	ErrNotImage = errors.New("response is not an image")
)

// Fetcher downloads camera images over plain http through a Cache
type Fetcher struct {
	cache   *Cache
	timeout time.Duration
}

// NewFetcher creates a Fetcher keeping at most capacity images in memory
func NewFetcher(timeout time.Duration, capacity int) *Fetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	f := &Fetcher{timeout: timeout}
	f.cache = NewCache(f.download, capacity)
	return f
}

// Get returns the image at url, downloading it at most once
func (f *Fetcher) Get(url string) ([]byte, error) {
	return f.cache.Get(url)
}

// FetchImage downloads url in the background and calls done with the result
func (f *Fetcher) FetchImage(url string, done func([]byte, error)) {
	go func() {
		done(f.Get(url))
	}()
}

func (f *Fetcher) Close() {
	f.cache.Close()
}

func (f *Fetcher) download(url string) ([]byte, error) {
	agent := fiber.Get(url)
	agent.Timeout(f.timeout)
	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, url, errors.Join(errs...))
	}
	if code != fiber.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", ErrFetch, url, code)
	}
	if ct := http.DetectContentType(body); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("%w: %s: %s", ErrNotImage, url, ct)
	}
	return body, nil
}
