// Package netprobe implements the HTTP reachability probe used before a
// checkFetch/push retry.
package netprobe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/basalt-sync/gitdocdb/internal/syncerrors"
)

// Options configures a single probe.
type Options struct {
	// RequestTimeout bounds the whole round trip. Defaults to 10s.
	RequestTimeout time.Duration
	// SocketTimeout bounds the TCP dial. Defaults to RequestTimeout.
	SocketTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.SocketTimeout <= 0 {
		o.SocketTimeout = o.RequestTimeout
	}
	return o
}

// Probe performs an HTTP GET against rawURL and reports whether it is
// reachable. Only http:// and https:// are accepted; any other scheme
// returns HttpProtocolRequired. Any response carrying a status code
// (even 4xx/5xx) counts as reachable — only timeouts and connection
// failures are treated as unreachable.
func Probe(ctx context.Context, rawURL string, opts Options) (bool, error) {
	opts = opts.withDefaults()

	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return false, syncerrors.New(syncerrors.NameHttpProtocolRequired,
			fmt.Sprintf("probe requires http:// or https:// scheme, got %q", rawURL))
	}

	client := &http.Client{
		Timeout: opts.RequestTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: opts.SocketTimeout}).DialContext,
		},
	}

	reqCtx, cancel := context.WithTimeout(ctx, opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false, fmt.Errorf("build probe request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return false, syncerrors.Wrap(syncerrors.NameNetworkError, "probe timed out", err)
		}
		return false, syncerrors.Wrap(syncerrors.NameNetworkError, "probe failed", err)
	}
	defer resp.Body.Close()

	return true, nil
}
