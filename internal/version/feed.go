package version

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Entry is one selectable version offered (or previously offered) for a
// service. Deprecated marks versions that are installed locally but no
// longer listed by the remote feed; they can still be selected, never
// downloaded.
type Entry struct {
	Version     string `json:"version"`
	DownloadURL string `json:"downloadUrl"`
	Deprecated  bool   `json:"deprecated"`
}

// Info is the per-service remote version view. Degraded is set when the
// feed was unreachable and the view was rebuilt from installed versions
// only: listing and switching among installed versions keeps working,
// update detection does not.
type Info struct {
	Latest   Entry   `json:"latest"`
	Versions []Entry `json:"versions,omitempty"`
	Degraded bool    `json:"degraded"`
}

// URL returns the download URL for version v, or "" when v is not offered.
func (i Info) URL(v string) string {
	if i.Latest.Version == v {
		return i.Latest.DownloadURL
	}
	for _, e := range i.Versions {
		if e.Version == v {
			return e.DownloadURL
		}
	}
	return ""
}

// BranchLatest returns the newest downloadable version sharing v's
// major.minor branch, or "" when the feed offers none. Deprecated entries
// carry no download URL and never win.
func (i Info) BranchLatest(v string) string {
	branch := MajorMinor(v)
	best := ""
	consider := func(e Entry) {
		if e.Deprecated || e.DownloadURL == "" || MajorMinor(e.Version) != branch {
			return
		}
		if best == "" || Greater(e.Version, best) {
			best = e.Version
		}
	}
	for _, e := range i.Versions {
		consider(e)
	}
	consider(i.Latest)
	return best
}

// feedEntry is the wire format: either a single {version, downloadUrl}
// object or a {versions: [...]} list per service id.
type feedEntry struct {
	Version     string  `json:"version"`
	DownloadURL string  `json:"downloadUrl"`
	Versions    []Entry `json:"versions"`
}

// Feed fetches versions.json from the remote feed with a bounded timeout.
type Feed struct {
	BaseURL string
	Client  *http.Client
	Timeout time.Duration
	Logger  *slog.Logger
}

const DefaultFeedTimeout = 10 * time.Second

// ErrFeedUnavailable is returned (wrapped) when the feed cannot be fetched
// or parsed. Callers degrade to an installed-versions-only view.
var ErrFeedUnavailable = fmt.Errorf("version feed unavailable")

// Fetch retrieves and decodes the feed. A non-200 response or malformed
// body is reported as ErrFeedUnavailable.
func (f *Feed) Fetch(ctx context.Context) (map[string]feedEntry, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultFeedTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(f.BaseURL, "/") + "/versions.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrFeedUnavailable, resp.StatusCode)
	}
	var out map[string]feedEntry
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrFeedUnavailable, err)
	}
	return out, nil
}

// BuildInfo converts a raw feed entry into Info, marking installed versions
// that the feed no longer offers as deprecated and appending them so that
// version listing stays complete.
func BuildInfo(e feedEntry, installed []string) Info {
	info := Info{}
	if len(e.Versions) > 0 {
		info.Versions = append([]Entry(nil), e.Versions...)
		for _, v := range e.Versions {
			if info.Latest.Version == "" || Greater(v.Version, info.Latest.Version) {
				info.Latest = Entry{Version: v.Version, DownloadURL: v.DownloadURL}
			}
		}
	} else if e.Version != "" {
		info.Latest = Entry{Version: e.Version, DownloadURL: e.DownloadURL}
	}
	for _, v := range installed {
		if info.URL(v) == "" && info.Latest.Version != v {
			info.Versions = append(info.Versions, Entry{Version: v, Deprecated: true})
		}
	}
	return info
}

// DegradedInfo builds the offline fallback view purely from installed
// versions: no download URLs, no update detection.
func DegradedInfo(installed []string) Info {
	info := Info{Degraded: true}
	for _, v := range installed {
		info.Versions = append(info.Versions, Entry{Version: v})
	}
	if n := Newest(installed); n != "" {
		info.Latest = Entry{Version: n}
	}
	return info
}
