// Package identify is the rate-limited, retrying client for the external
// audio identification provider. Requests are HMAC-signed; uncertain local
// detections are resolved here and enriched with rights metadata by ISRC.
package identify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/soundtrace/soundtrace/pkg/logger"
)

const (
	identifyURI = "/v1/identify"
	metadataURI = "/v1/metadata"

	dataType         = "audio"
	signatureVersion = "1"

	defaultMaxRetries = 3
	defaultTimeout    = 30 * time.Second
	baseBackoff       = 500 * time.Millisecond
)

// ErrNoResult means the provider answered but recognized nothing. A valid
// outcome, not a transport failure.
var ErrNoResult = errors.New("identify: no result")

// Config carries the client's construction parameters. All values come from
// the configuration surface; nothing is hard-coded at call sites.
type Config struct {
	BaseURL      string
	AccessKey    string
	AccessSecret string
	MaxRetries   int
	Timeout      time.Duration
	Limiter      *RateLimiter
	Log          *logger.Logger
}

// Client talks to the identification provider. Safe for concurrent use; the
// rate limiter serializes admission and the caches are internally locked.
type Client struct {
	baseURL    string
	accessKey  string
	secret     []byte
	maxRetries int
	httpClient *http.Client
	limiter    *RateLimiter
	log        *logger.Logger

	identCache *ttlCache[*Identification]
	metaCache  *ttlCache[*WorkMetadata]

	sleep func(context.Context, time.Duration) error
}

// New builds a Client from config, filling defaults for zero values.
func New(cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter(0, 0, 0, nil)
	}
	if cfg.Log == nil {
		cfg.Log = logger.GetLogger()
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		accessKey:  cfg.AccessKey,
		secret:     []byte(cfg.AccessSecret),
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    cfg.Limiter,
		log:        cfg.Log,
		identCache: newTTLCache[*Identification](IdentificationTTL),
		metaCache:  newTTLCache[*WorkMetadata](MetadataTTL),
		sleep:      sleepCtx,
	}
}

// Identify submits an audio sample and returns the provider's best result.
// contentHash keys the 1-hour result cache so repeated captures of the same
// audio cost one call. Returns ErrNoResult when the provider recognizes
// nothing.
func (c *Client) Identify(ctx context.Context, sample []byte, contentHash string) (*Identification, error) {
	if cached, ok := c.identCache.get(contentHash); ok {
		c.log.Debugf("identification cache hit for %s", shortHash(contentHash))
		return cached, nil
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature := c.sign(http.MethodPost, identifyURI, timestamp)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fields := map[string]string{
		"access_key":        c.accessKey,
		"data_type":         dataType,
		"signature":         signature,
		"signature_version": signatureVersion,
		"timestamp":         timestamp,
		"sample_bytes":      strconv.Itoa(len(sample)),
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
	}
	part, err := w.CreateFormFile("sample", "sample.wav")
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if _, err := part.Write(sample); err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, c.baseURL+identifyURI, w.FormDataContentType(), body.Bytes())
	if err != nil {
		return nil, err
	}

	var resp identifyResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parsing identify response: %w", err)
	}
	switch resp.Status.Code {
	case codeSuccess:
	case codeNoResult:
		return nil, ErrNoResult
	default:
		return nil, fmt.Errorf("identify: provider status %d: %s", resp.Status.Code, resp.Status.Msg)
	}
	if len(resp.Metadata.Music) == 0 {
		return nil, ErrNoResult
	}

	best := resp.Metadata.Music[0]
	for _, m := range resp.Metadata.Music[1:] {
		if m.Score > best.Score {
			best = m
		}
	}

	ident := &Identification{
		Title:       best.Title,
		Album:       best.Album.Name,
		ISRC:        best.ExternalIDs.ISRC,
		ISWC:        best.ExternalIDs.ISWC,
		Label:       best.Label,
		ReleaseDate: best.ReleaseDate,
		DurationMs:  best.DurationMs,
		ACRID:       best.Acrid,
		Confidence:  best.Score / 100.0,
	}
	if len(best.Artists) > 0 {
		ident.Artist = best.Artists[0].Name
	}

	c.identCache.set(contentHash, ident)
	return ident, nil
}

// MetadataByISRC fetches the richer publisher/writer/territory record for a
// recording. Cached for 24 hours per ISRC.
func (c *Client) MetadataByISRC(ctx context.Context, isrc string) (*WorkMetadata, error) {
	if isrc == "" {
		return nil, errors.New("identify: empty ISRC")
	}
	if cached, ok := c.metaCache.get(isrc); ok {
		return cached, nil
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature := c.sign(http.MethodGet, metadataURI, timestamp)

	q := url.Values{}
	q.Set("isrc", isrc)
	q.Set("access_key", c.accessKey)
	q.Set("signature", signature)
	q.Set("signature_version", signatureVersion)
	q.Set("timestamp", timestamp)

	raw, err := c.do(ctx, http.MethodGet, c.baseURL+metadataURI+"?"+q.Encode(), "", nil)
	if err != nil {
		return nil, err
	}

	var resp metadataResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parsing metadata response: %w", err)
	}
	if resp.Status.Code == codeNoResult {
		return nil, ErrNoResult
	}
	if resp.Status.Code != codeSuccess {
		return nil, fmt.Errorf("metadata: provider status %d: %s", resp.Status.Code, resp.Status.Msg)
	}

	work := resp.Work
	c.metaCache.set(isrc, &work)
	return &work, nil
}

// sign computes the base64 HMAC-SHA1 request signature.
func (c *Client) sign(method, uri, timestamp string) string {
	payload := method + "\n" + uri + "\n" + c.accessKey + "\n" +
		dataType + "\n" + signatureVersion + "\n" + timestamp
	mac := hmac.New(sha1.New, c.secret)
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// do issues a rate-limited request with exponential-backoff retries on
// 429/5xx. Transport errors also retry; every other HTTP status is terminal.
// Every attempt takes its own limiter slot, so retries count against the
// per-minute and per-day ceilings like any other request.
func (c *Client) do(ctx context.Context, method, fullURL, contentType string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff * time.Duration(1<<attempt)
			c.log.Debugf("retrying %s %s (attempt %d) after %s", method, fullURL, attempt+1, backoff)
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if retryableStatus(resp.StatusCode) {
			lastErr = fmt.Errorf("provider returned %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("provider returned %d", resp.StatusCode)
		}
		if readErr != nil {
			lastErr = fmt.Errorf("reading response: %w", readErr)
			continue
		}
		return data, nil
	}
	return nil, fmt.Errorf("identify: %d attempts failed: %w", c.maxRetries, lastErr)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
