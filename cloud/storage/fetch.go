package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/treelet-sim/treelet-sim/cloud/internal/retry"
)

// ErrClientStatus is returned for 4xx responses, which are never retried.
var ErrClientStatus = errors.New("object request rejected")

// Fetcher downloads objects from an HTTP object store laid out as
// <base>/<bucket>/<key>.
type Fetcher struct {
	BaseURL string
	Client  *http.Client
	Policy  retry.Policy
}

// NewFetcher returns a Fetcher with the default retry policy.
func NewFetcher(baseURL string) *Fetcher {
	return &Fetcher{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 60 * time.Second},
		Policy:  retry.DefaultPolicy,
	}
}

// Download fetches bucket/key into memory. 4xx responses fail immediately;
// transport errors and every other status are retried with backoff.
func (f *Fetcher) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	u, err := url.JoinPath(f.BaseURL, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("building object URL: %w", err)
	}
	var body []byte
	err = retry.Do(ctx, f.Policy, "download "+u, func(attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := f.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			body, err = io.ReadAll(resp.Body)
			return err
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return retry.Permanent(fmt.Errorf("%w: %s: %s", ErrClientStatus, u, resp.Status))
		default:
			return fmt.Errorf("%s: %s", u, resp.Status)
		}
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Hydrate copies every object named in the remote manifest into dst.
func Hydrate(ctx context.Context, f *Fetcher, bucket string, dst Backend) (int, error) {
	manifestKey := ObjectKey{Type: ObjectManifest}
	data, err := f.Download(ctx, bucket, manifestKey.Name())
	if err != nil {
		return 0, fmt.Errorf("fetching manifest: %w", err)
	}
	keys, err := ParseManifest(data)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		blob, err := f.Download(ctx, bucket, k.Name())
		if err != nil {
			return 0, fmt.Errorf("fetching %s: %w", k, err)
		}
		if err := dst.Put(k, blob); err != nil {
			return 0, err
		}
		logrus.Debugf("hydrated %s (%d bytes)", k, len(blob))
	}
	if err := dst.Put(manifestKey, data); err != nil {
		return 0, err
	}
	return len(keys), nil
}
