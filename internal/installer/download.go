package installer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stackd/stackd/internal/service"
)

const DefaultDownloadTimeout = 10 * time.Minute

// download fetches a single URL fully into memory. Payload sizes here are
// tens of megabytes; validation wants the whole buffer anyway.
func (i *Installer) download(ctx context.Context, url string) ([]byte, error) {
	timeout := i.Timeout
	if timeout <= 0 {
		timeout = DefaultDownloadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	client := i.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d for %s", ErrDownload, resp.StatusCode, url)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrDownload, err)
	}
	return data, nil
}

// fetch downloads the archive for a service version, retrying once against
// the archival fallback URL when the primary fetch fails and a fallback
// pattern is defined.
func (i *Installer) fetch(ctx context.Context, def service.Definition, version, url string) ([]byte, error) {
	data, err := i.download(ctx, url)
	if err == nil {
		return data, nil
	}
	fallback := def.ResolveArchiveURL(version)
	if fallback == "" || fallback == url {
		return nil, err
	}
	i.logger.Warn("primary download failed, trying archival fallback",
		"service", def.ID, "version", version, "error", err)
	data, ferr := i.download(ctx, fallback)
	if ferr != nil {
		return nil, fmt.Errorf("%w (fallback also failed: %v)", err, ferr)
	}
	return data, nil
}
