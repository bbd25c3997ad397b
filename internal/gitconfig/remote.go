// Package gitconfig derives stable remote names from remote URLs and
// manages the persisted `.git/config` entries for registered remotes.
package gitconfig

import (
	"crypto/sha1" //nolint:gosec // used only to derive a stable short name, not for security
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/basalt-sync/gitdocdb/internal/gitrepo"
)

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// DeriveRemoteName computes `<host, '.'->'_'>_<first 7 hex chars of
// SHA-1(rawURL)>`, deterministic for a given URL. The host part is
// independent of scheme/port/user/path; the hash part is taken over the
// full URL string, so it differs between URLs that differ in any of them.
func DeriveRemoteName(rawURL string) (string, error) {
	host, err := hostLabel(rawURL)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum([]byte(rawURL)) //nolint:gosec
	hash := hex.EncodeToString(sum[:])[:7]
	return fmt.Sprintf("%s_%s", host, hash), nil
}

// hostLabel extracts the host of rawURL and normalizes it: "." becomes
// "_", and scp-like `git@host:path` syntax is handled alongside ssh://,
// http(s):// URLs.
func hostLabel(rawURL string) (string, error) {
	host := rawURL

	if idx := strings.Index(rawURL, "://"); idx >= 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", fmt.Errorf("invalid remote URL %q: %w", rawURL, err)
		}
		host = u.Hostname()
	} else if at := strings.Index(rawURL, "@"); at >= 0 {
		// scp-like syntax: git@github.com:foo-bar/baz.git
		rest := rawURL[at+1:]
		if colon := strings.Index(rest, ":"); colon >= 0 {
			host = rest[:colon]
		} else {
			host = rest
		}
	}

	host = strings.TrimSpace(host)
	if host == "" {
		return "", fmt.Errorf("could not determine host from remote URL %q", rawURL)
	}

	normalized := strings.ReplaceAll(host, ".", "_")
	normalized = nonAlnum.ReplaceAllString(normalized, "_")
	return normalized, nil
}

// Register installs `remote.<name>.url` and the default fetch refspec for
// name, and leaves `origin` pointed at rawURL if `origin` is not already
// configured.
func Register(repo *gitrepo.Repo, name, rawURL string) error {
	if err := repo.SetConfig(fmt.Sprintf("remote.%s.url", name), rawURL); err != nil {
		return fmt.Errorf("set remote.%s.url: %w", name, err)
	}
	refspec := fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", name)
	if err := repo.SetConfig(fmt.Sprintf("remote.%s.fetch", name), refspec); err != nil {
		return fmt.Errorf("set remote.%s.fetch: %w", name, err)
	}

	originURL, err := repo.GetConfig("remote.origin.url")
	if err != nil {
		return err
	}
	if originURL == "" {
		if err := repo.SetConfig("remote.origin.url", rawURL); err != nil {
			return fmt.Errorf("set remote.origin.url: %w", err)
		}
	}
	return nil
}
