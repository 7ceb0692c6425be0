// Package tss asks Apple's ticket signing server to personalize a developer
// disk image for one device.
package tss

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"howett.net/plist"

	"github.com/bavix/devpair/internal/devicelink"
	customerrors "github.com/bavix/devpair/internal/errors"
)

// DefaultURL is the public signing endpoint.
const DefaultURL = "http://gs.apple.com/TSS/controller?action=2"

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 4 << 20
	versionInfo     = "libauthinstall-1033.0.2.30.3"
	sepNonceSize    = 20
)

// Client implements devicelink.Personalizer against a signing server.
type Client struct {
	url  string
	http *http.Client
}

var _ devicelink.Personalizer = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Client) { t.http = c }
}

// New creates a client for serverURL. An empty URL uses DefaultURL and a
// non-positive timeout uses 30s.
func New(serverURL string, timeout time.Duration, opts ...Option) *Client {
	if serverURL == "" {
		serverURL = DefaultURL
	}

	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		url:  serverURL,
		http: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Personalize requests an image ticket and returns its bytes.
func (c *Client) Personalize(ctx context.Context, req devicelink.PersonalizationRequest) ([]byte, error) {
	body, err := BuildRequest(req)
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Debug().Str("url", c.url).Uint64("ecid", req.ChipID).Msg("requesting image ticket")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	httpReq.Header.Set("User-Agent", "InetURL/1.0")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("signing request: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", customerrors.ErrTicketRejected, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read signing response: %w", err)
	}

	return ParseResponse(raw)
}

// BuildRequest encodes the signing request for req as an XML plist.
func BuildRequest(req devicelink.PersonalizationRequest) ([]byte, error) {
	identity, board, chip, err := selectIdentity(req.BuildManifest, req.Identifiers)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"@HostPlatformInfo": "mac",
		"@VersionInfo":      versionInfo,
		"@UUID":             strings.ToUpper(uuid.NewString()),
		"@ApImg4Ticket":     true,
		"@BBTicket":         true,
		"ApECID":            req.ChipID,
		"ApNonce":           req.Nonce,
		"ApProductionMode":  true,
		"ApSecurityMode":    true,
		"ApSepNonce":        make([]byte, sepNonceSize),
		"UID_MODE":          false,
	}

	for k, v := range req.Identifiers {
		if strings.HasPrefix(k, "Ap") {
			body[k] = v
		}
	}

	body["ApBoardID"] = board
	body["ApChipID"] = chip

	if domain, ok := devicelink.AsUint(req.Identifiers["SecurityDomain"]); ok {
		body["ApSecurityDomain"] = domain
	}

	manifest, _ := identity["Manifest"].(map[string]any)
	for name, raw := range manifest {
		if entry, ok := manifestEntry(raw); ok {
			body[name] = entry
		}
	}

	out, err := plist.Marshal(body, plist.XMLFormat)
	if err != nil {
		return nil, fmt.Errorf("encode signing request: %w", err)
	}

	return out, nil
}

// manifestEntry turns one build manifest item into its request form. Items
// without Info, or marked as not personalized, are left out.
func manifestEntry(raw any) (map[string]any, bool) {
	item, ok := raw.(map[string]any)
	if !ok {
		return nil, false
	}

	info, ok := item["Info"].(map[string]any)
	if !ok {
		return nil, false
	}

	if personalize, ok := info["Personalize"].(bool); ok && !personalize {
		return nil, false
	}

	entry := maps.Clone(item)
	delete(entry, "Info")

	if _, ok := entry["Digest"]; !ok {
		entry["Digest"] = []byte{}
	}

	entry["Trusted"] = true

	if _, ok := info["RestoreRequestRules"]; ok {
		entry["EPRO"] = true
		entry["ESEC"] = true
	}

	return entry, true
}

// selectIdentity picks the build identity whose board and chip match the
// device and returns it with the matched ids.
func selectIdentity(manifest []byte, ids map[string]any) (map[string]any, uint64, uint64, error) {
	var doc struct {
		BuildIdentities []map[string]any `plist:"BuildIdentities"`
	}

	if _, err := plist.Unmarshal(manifest, &doc); err != nil {
		return nil, 0, 0, fmt.Errorf("%w: build manifest: %w", customerrors.ErrNoBuildIdentity, err)
	}

	board, boardOK := devicelink.AsUint(ids["BoardId"])
	if !boardOK {
		board, boardOK = devicelink.AsUint(ids["ApBoardID"])
	}

	chip, chipOK := devicelink.AsUint(ids["ChipID"])
	if !chipOK {
		chip, chipOK = devicelink.AsUint(ids["ApChipID"])
	}

	if !boardOK || !chipOK {
		return nil, 0, 0, customerrors.Unexpected("PersonalizationIdentifiers")
	}

	for _, identity := range doc.BuildIdentities {
		if hexField(identity, "ApBoardID") == board && hexField(identity, "ApChipID") == chip {
			return identity, board, chip, nil
		}
	}

	return nil, 0, 0, fmt.Errorf("%w: board 0x%x chip 0x%x", customerrors.ErrNoBuildIdentity, board, chip)
}

// hexField reads identifiers the manifest stores as "0x.." strings.
func hexField(m map[string]any, key string) uint64 {
	s, ok := m[key].(string)
	if !ok {
		v, _ := devicelink.AsUint(m[key])

		return v
	}

	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0
	}

	return v
}

// ParseResponse extracts the ticket from a "STATUS=0&MESSAGE=SUCCESS&
// REQUEST_STRING=<plist>" reply.
func ParseResponse(raw []byte) ([]byte, error) {
	text := string(raw)

	head, plistText, found := strings.Cut(text, "REQUEST_STRING=")
	if !found {
		if values, err := url.ParseQuery(strings.TrimSpace(text)); err == nil && values.Get("MESSAGE") != "" {
			return nil, fmt.Errorf("%w: status %s: %s",
				customerrors.ErrTicketRejected, values.Get("STATUS"), values.Get("MESSAGE"))
		}

		return nil, fmt.Errorf("%w: malformed reply", customerrors.ErrTicketRejected)
	}

	values, err := url.ParseQuery(strings.TrimSuffix(head, "&"))
	if err != nil || values.Get("STATUS") != "0" {
		return nil, fmt.Errorf("%w: status %q: %s", customerrors.ErrTicketRejected, values.Get("STATUS"), values.Get("MESSAGE"))
	}

	var payload struct {
		Ticket []byte `plist:"ApImg4Ticket"`
	}

	if _, err := plist.Unmarshal([]byte(plistText), &payload); err != nil {
		return nil, fmt.Errorf("%w: %w", customerrors.ErrTicketRejected, err)
	}

	if len(payload.Ticket) == 0 {
		return nil, fmt.Errorf("%w: reply has no ApImg4Ticket", customerrors.ErrTicketRejected)
	}

	return payload.Ticket, nil
}
