package checker

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

	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"

	"github.com/kanaime/updater/internal/updatemanager/types"
	"github.com/kanaime/updater/version"
)

const (
	// responseLimit bounds the version document size
	responseLimit  = 64 * 1024
	DefaultTimeout = 30 * time.Second
)

// Checker asks the release server which version is the latest. It performs exactly one
// request per call and keeps no state between calls.
type Checker struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

func New(versionURL string, client *http.Client, timeout time.Duration) (*Checker, error) {
	if _, err := url.ParseRequestURI(versionURL); err != nil {
		return nil, fmt.Errorf("invalid version URL %q: %w", versionURL, err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{
		url:     versionURL,
		client:  client,
		timeout: timeout,
	}, nil
}

// Check fetches and validates the latest version descriptor
func (c *Checker) Check(ctx context.Context) (*types.Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// cancelled by the caller, not a transport failure
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, err
		}
		return nil, types.NetworkError("fetch version", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("error closing response body: %v", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, types.NetworkError("fetch version", fmt.Errorf("unexpected HTTP status: %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit+1))
	if err != nil {
		return nil, types.NetworkError("read version", err)
	}
	if len(data) > responseLimit {
		return nil, types.MalformedResponseError("version document exceeds %d bytes", responseLimit)
	}

	return parseDescriptor(data, c.url)
}

func parseDescriptor(data []byte, base string) (*types.Descriptor, error) {
	var desc types.Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, types.MalformedResponseError("decode version document: %v", err)
	}

	desc.Version = strings.TrimPrefix(strings.TrimSpace(desc.Version), "v")
	if _, err := goversion.NewVersion(desc.Version); err != nil {
		return nil, types.MalformedResponseError("invalid version %q: %v", desc.Version, err)
	}

	if desc.URL == "" {
		return nil, types.MalformedResponseError("missing package URL")
	}
	packageURL, err := resolveURL(base, desc.URL)
	if err != nil {
		return nil, types.MalformedResponseError("invalid package URL %q: %v", desc.URL, err)
	}
	desc.URL = packageURL

	if desc.Size < 0 {
		return nil, types.MalformedResponseError("negative package size %d", desc.Size)
	}
	if desc.Checksum == "" {
		return nil, types.MalformedResponseError("missing checksum")
	}
	if _, err := types.ParseChecksum(desc.Checksum); err != nil {
		return nil, types.MalformedResponseError("%v", err)
	}

	log.Debugf("latest version reported by server: %s", desc.Version)
	return &desc, nil
}

// resolveURL allows the version document to reference the package relative to itself
func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	resolved := b.ResolveReference(r)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", resolved.Scheme)
	}
	return resolved.String(), nil
}
