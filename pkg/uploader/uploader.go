// Package uploader delivers batches of location samples to the remote
// collection server.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/soypete/locationcapture/pkg/location"
)

// Format is the request body encoding.
type Format string

const (
	FormatJSON           Format = "JSON"
	FormatFormURLEncoded Format = "FORM_URL_ENCODED"
)

// BatchIDHeader carries the delivery attempt id so the server can drop
// duplicates of a retried batch.
const BatchIDHeader = "X-Batch-ID"

// maxErrorBody bounds how much of a failed response is kept in StatusError.
const maxErrorBody = 4096

var supportedFields = map[string]bool{
	"timestamp": true,
	"latitude":  true,
	"longitude": true,
	"accuracy":  true,
	"heading":   true,
	"speed":     true,
}

// DefaultFields are uploaded when no fields are configured.
var DefaultFields = []string{"timestamp", "latitude", "longitude"}

// AuthConfig selects how requests are authorized. A static token takes
// precedence over client credentials; with neither, requests are anonymous.
type AuthConfig struct {
	Token        string   `yaml:"token"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

// Config holds uploader configuration.
type Config struct {
	URL            string            `yaml:"url"`
	Format         Format            `yaml:"format"`
	LocationsParam string            `yaml:"locations_param"`
	ExtraParams    map[string]string `yaml:"extra_params"`
	Fields         []string          `yaml:"fields"`
	Timeout        time.Duration     `yaml:"timeout"`
	Auth           AuthConfig        `yaml:"auth"`
}

// SetDefaults fills in unset values.
func (c *Config) SetDefaults() {
	if c.Format == "" {
		c.Format = FormatJSON
	}
	if c.LocationsParam == "" {
		c.LocationsParam = "locations"
	}
	if len(c.Fields) == 0 {
		c.Fields = append([]string(nil), DefaultFields...)
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || c.URL == "" {
		return fmt.Errorf("invalid upload url: %q", c.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid upload url scheme: %s (must be 'http' or 'https')", u.Scheme)
	}
	if c.Format != FormatJSON && c.Format != FormatFormURLEncoded {
		return fmt.Errorf("invalid upload format: %s (must be 'JSON' or 'FORM_URL_ENCODED')", c.Format)
	}
	if c.LocationsParam == "" {
		return fmt.Errorf("locations_param is required")
	}
	if _, clash := c.ExtraParams[c.LocationsParam]; clash {
		return fmt.Errorf("extra_params must not contain locations_param %q", c.LocationsParam)
	}
	for _, f := range c.Fields {
		if !supportedFields[f] {
			return fmt.Errorf("unsupported upload field: %s", f)
		}
	}
	if c.Auth.Token == "" && c.Auth.ClientID != "" && c.Auth.TokenURL == "" {
		return fmt.Errorf("token_url is required for client credentials")
	}
	return nil
}

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upload failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("upload failed with status %d: %s", e.StatusCode, e.Body)
}

// Uploader posts sample batches to the configured URL.
type Uploader struct {
	cfg    Config
	client *http.Client
	logger *log.Entry
}

// Option configures an Uploader.
type Option func(*options)

type options struct {
	base   *http.Client
	logger *log.Entry
}

// WithHTTPClient sets the client used for uploads and token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.base = c
	}
}

// WithLogger sets the log entry used by the Uploader.
func WithLogger(entry *log.Entry) Option {
	return func(o *options) {
		o.logger = entry
	}
}

// New validates cfg and builds an Uploader. ctx scopes token refreshes for
// client credentials and should live as long as the Uploader.
func New(ctx context.Context, cfg Config, opts ...Option) (*Uploader, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		base:   &http.Client{},
		logger: log.WithField("component", "uploader"),
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.base)

	var client *http.Client
	switch {
	case cfg.Auth.Token != "":
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.Auth.Token,
			TokenType:   "Bearer",
		}))
	case cfg.Auth.ClientID != "":
		cc := &clientcredentials.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			TokenURL:     cfg.Auth.TokenURL,
			Scopes:       cfg.Auth.Scopes,
		}
		client = cc.Client(ctx)
	default:
		c := *o.base
		client = &c
	}
	client.Timeout = cfg.Timeout

	return &Uploader{
		cfg:    cfg,
		client: client,
		logger: o.logger,
	}, nil
}

// Upload sends samples as one request tagged with batchID. It returns nil only
// when the server accepted the batch with a 2xx status.
func (u *Uploader) Upload(ctx context.Context, batchID string, samples []location.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	body, contentType, err := u.encode(samples)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", u.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if batchID != "" {
		req.Header.Set(BatchIDHeader, batchID)
	}

	start := time.Now()
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send upload: %w", err)
	}
	defer resp.Body.Close()

	entry := u.logger.WithFields(log.Fields{
		"batch":    batchID,
		"count":    len(samples),
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		entry.Warn("upload rejected")
		return &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	entry.Debug("upload accepted")
	return nil
}

func (u *Uploader) encode(samples []location.Sample) ([]byte, string, error) {
	locations := make([]map[string]any, len(samples))
	for i, s := range samples {
		locations[i] = u.fields(s)
	}

	switch u.cfg.Format {
	case FormatFormURLEncoded:
		encoded, err := json.Marshal(locations)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode locations: %w", err)
		}
		form := url.Values{}
		for k, v := range u.cfg.ExtraParams {
			form.Set(k, v)
		}
		form.Set(u.cfg.LocationsParam, string(encoded))
		return []byte(form.Encode()), "application/x-www-form-urlencoded", nil

	default:
		payload := make(map[string]any, len(u.cfg.ExtraParams)+1)
		for k, v := range u.cfg.ExtraParams {
			payload[k] = v
		}
		payload[u.cfg.LocationsParam] = locations
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode upload body: %w", err)
		}
		return body, "application/json", nil
	}
}

// fields projects a sample onto the configured upload fields. The timestamp
// is sent as an RFC 3339 UTC string.
func (u *Uploader) fields(s location.Sample) map[string]any {
	out := make(map[string]any, len(u.cfg.Fields))
	for _, f := range u.cfg.Fields {
		switch f {
		case "timestamp":
			out[f] = s.Time().UTC().Format(time.RFC3339)
		case "latitude":
			out[f] = s.Latitude
		case "longitude":
			out[f] = s.Longitude
		case "accuracy":
			out[f] = s.Accuracy
		case "heading":
			out[f] = s.Heading
		case "speed":
			out[f] = s.Speed
		}
	}
	return out
}
