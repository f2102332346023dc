package oracle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// DefaultRequestTimeout bounds a single request to the oracle.
const DefaultRequestTimeout = 15 * time.Second

var (
	// ErrEventNotFound is returned when the oracle doesn't know the
	// event.
	ErrEventNotFound = errors.New("oracle event not found")

	// ErrNotAttested is returned when the event exists but hasn't been
	// attested yet.
	ErrNotAttested = errors.New("oracle event not attested")

	// ErrBadAnnouncement is returned when an announcement can't be used
	// in a contract.
	ErrBadAnnouncement = errors.New("invalid oracle announcement")
)

// Announcement is an oracle's commitment to attest one event. Raw holds the
// body exactly as served so it can be forwarded to counterparties.
type Announcement struct {
	EventID       string   `json:"event_id"`
	PublicKey     string   `json:"public_key"`
	Outcomes      []string `json:"outcomes"`
	MaturityEpoch uint32   `json:"maturity_epoch"`

	Raw []byte `json:"-"`
}

// XOnlyKey parses the announcing key.
func (a *Announcement) XOnlyKey() ([32]byte, error) {
	var key [32]byte

	b, err := hex.DecodeString(a.PublicKey)
	if err != nil || len(b) != 32 {
		return key, fmt.Errorf("%w: bad public key", ErrBadAnnouncement)
	}
	if _, err := schnorr.ParsePubKey(b); err != nil {
		return key, fmt.Errorf("%w: %w", ErrBadAnnouncement, err)
	}
	copy(key[:], b)

	return key, nil
}

// Validate checks the announcement is usable: a valid key and at least two
// distinct outcomes.
func (a *Announcement) Validate() error {
	if a.EventID == "" {
		return fmt.Errorf("%w: empty event id", ErrBadAnnouncement)
	}
	if _, err := a.XOnlyKey(); err != nil {
		return err
	}
	if len(a.Outcomes) < 2 {
		return fmt.Errorf("%w: need at least two outcomes",
			ErrBadAnnouncement)
	}

	seen := make(map[string]struct{}, len(a.Outcomes))
	for _, o := range a.Outcomes {
		if _, ok := seen[o]; ok {
			return fmt.Errorf("%w: duplicate outcome %q",
				ErrBadAnnouncement, o)
		}
		seen[o] = struct{}{}
	}

	return nil
}

// HasOutcome reports whether outcome is one of the announced outcomes.
func (a *Announcement) HasOutcome(outcome string) bool {
	for _, o := range a.Outcomes {
		if o == outcome {
			return true
		}
	}

	return false
}

// Attestation is the oracle's signed outcome of an event.
type Attestation struct {
	EventID    string   `json:"event_id"`
	Outcome    string   `json:"outcome"`
	Signatures []string `json:"signatures"`
}

// ClientConfig holds the oracle client settings.
type ClientConfig struct {
	// URL is the oracle's base URL.
	URL string

	// RequestTimeout bounds each request.
	RequestTimeout time.Duration
}

// Client talks to an oracle over its JSON HTTP API.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

// NewClient creates an oracle client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid oracle url: %w", err)
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	return &Client{
		cfg: ClientConfig{
			URL:            strings.TrimRight(cfg.URL, "/"),
			RequestTimeout: cfg.RequestTimeout,
		},
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
	}, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.cfg.URL+path, nil,
	)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil

	case http.StatusNotFound:
		return nil, ErrEventNotFound

	default:
		return nil, fmt.Errorf("oracle returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// PublicKey returns the oracle's x-only attestation key.
func (c *Client) PublicKey(ctx context.Context) ([32]byte, error) {
	var key [32]byte

	body, err := c.get(ctx, "/publickey")
	if err != nil {
		return key, err
	}

	var resp struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return key, fmt.Errorf("failed to decode response: %w", err)
	}

	a := Announcement{PublicKey: resp.PublicKey}

	return a.XOnlyKey()
}

// GetAnnouncement fetches and validates the announcement of an event.
func (c *Client) GetAnnouncement(ctx context.Context,
	eventID string) (*Announcement, error) {

	body, err := c.get(ctx, "/announcement/"+url.PathEscape(eventID))
	if err != nil {
		return nil, err
	}

	var a Announcement
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadAnnouncement, err)
	}
	if a.EventID != eventID {
		return nil, fmt.Errorf("%w: asked for %s, got %s",
			ErrBadAnnouncement, eventID, a.EventID)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	a.Raw = body

	log.Debugf("Fetched announcement for event %s with %d outcomes",
		eventID, len(a.Outcomes))

	return &a, nil
}

// GetAttestation fetches the attestation of an event. ErrNotAttested is
// returned while the oracle has yet to sign.
func (c *Client) GetAttestation(ctx context.Context,
	eventID string) (*Attestation, error) {

	body, err := c.get(ctx, "/attestation/"+url.PathEscape(eventID))
	if err != nil {
		return nil, err
	}

	var a Attestation
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if a.Outcome == "" {
		return nil, ErrNotAttested
	}

	return &a, nil
}

// ParseAnnouncement decodes an announcement forwarded inside an offer.
func ParseAnnouncement(raw []byte) (*Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadAnnouncement, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	a.Raw = raw

	return &a, nil
}
