package geocode

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/franz/phototank/internal/metrics"
	"github.com/franz/phototank/internal/util"
)

// ProviderKind names a reverse geocoding backend.
type ProviderKind string

const (
	ProviderGeoNames ProviderKind = "geonames"
)

// DefaultGeoNamesURL is the GeoNames web service root.
const DefaultGeoNamesURL = "https://api.geonames.org"

// ParseProvider validates a provider name from configuration.
func ParseProvider(s string) (ProviderKind, error) {
	switch k := ProviderKind(strings.ToLower(strings.TrimSpace(s))); k {
	case ProviderGeoNames:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unsupported geocode provider %q", util.ErrInvalidConfig, s)
	}
}

// Place is one resolved location. Empty fields were absent in the response.
type Place struct {
	CountryCode string
	Country     string
	City        string
	Region      string
	Postcode    string
	DisplayName string
	RawJSON     string
}

// Provider resolves coordinates to the nearest place. A nil Place with a nil
// error means nothing was found within radiusKm.
type Provider interface {
	Kind() ProviderKind
	Lookup(ctx context.Context, lat, lon, radiusKm float64) (*Place, error)
}

// ErrQuotaExceeded is returned when the provider reports an exhausted
// request allowance.
var ErrQuotaExceeded = errors.New("provider quota exceeded")

// ProviderError is a failed provider request.
type ProviderError struct {
	StatusCode int // 0 when the request never got an HTTP response
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

// GeoNames queries findNearbyPlaceNameJSON.
type GeoNames struct {
	baseURL  string
	username string
	client   *http.Client
	limiter  *Limiter
}

// NewGeoNames creates a GeoNames client. Every HTTP request waits on limiter.
func NewGeoNames(baseURL, username string, timeout time.Duration, limiter *Limiter) *GeoNames {
	if baseURL == "" {
		baseURL = DefaultGeoNamesURL
	}
	if timeout < time.Second {
		timeout = time.Second
	}
	if limiter == nil {
		limiter = NewLimiter(0)
	}
	return &GeoNames{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		client:   &http.Client{Timeout: timeout},
		limiter:  limiter,
	}
}

// Kind implements Provider.
func (g *GeoNames) Kind() ProviderKind { return ProviderGeoNames }

type geonamesResponse struct {
	Status *struct {
		Message string `json:"message"`
		Value   int    `json:"value"`
	} `json:"status"`
	Geonames []json.RawMessage `json:"geonames"`
}

type geonamesPlace struct {
	Name        string `json:"name"`
	AdminName1  string `json:"adminName1"`
	CountryName string `json:"countryName"`
	CountryCode string `json:"countryCode"`
	Postalcode  string `json:"postalcode"`
}

// Lookup implements Provider.
func (g *GeoNames) Lookup(ctx context.Context, lat, lon, radiusKm float64) (*Place, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', 7, 64))
	q.Set("lng", strconv.FormatFloat(lon, 'f', 7, 64))
	q.Set("radius", strconv.FormatFloat(radiusKm, 'f', 3, 64))
	q.Set("maxRows", "1")
	q.Set("username", g.username)
	endpoint := g.baseURL + "/findNearbyPlaceNameJSON?" + q.Encode()

	body, err := g.get(ctx, endpoint)
	if err != nil && isCertError(err) && strings.HasPrefix(endpoint, "https://") {
		util.WarnLog("GeoNames HTTPS certificate verification failed; retrying lookup over HTTP")
		body, err = g.get(ctx, "http://"+strings.TrimPrefix(endpoint, "https://"))
	}
	if err != nil {
		return nil, err
	}
	return parseGeoNames(body)
}

func (g *GeoNames) get(ctx context.Context, endpoint string) ([]byte, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		metrics.GeocodeProviderRequests.WithLabelValues("error").Inc()
		return nil, &ProviderError{Err: err}
	}
	defer resp.Body.Close()
	metrics.GeocodeProviderRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &ProviderError{
			StatusCode: resp.StatusCode,
			Message: "GeoNames rejected the request (401/403). Check the GeoNames username and " +
				"confirm the web service is enabled on the account.",
		}
	case resp.StatusCode != http.StatusOK:
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("GeoNames HTTP %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Err: err}
	}
	return body, nil
}

// parseGeoNames decodes a response body. GeoNames reports errors, quota
// exhaustion included, as a status object inside an HTTP 200.
func parseGeoNames(body []byte) (*Place, error) {
	var r geonamesResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, &ProviderError{Message: "GeoNames returned invalid JSON", Err: err}
	}
	if r.Status != nil && r.Status.Message != "" {
		if isQuotaMessage(r.Status.Message) {
			return nil, fmt.Errorf("%w: GeoNames error: %s", ErrQuotaExceeded, r.Status.Message)
		}
		return nil, &ProviderError{StatusCode: http.StatusOK, Message: "GeoNames error: " + r.Status.Message}
	}
	if len(r.Geonames) == 0 {
		return nil, nil
	}

	raw := bytes.TrimSpace(r.Geonames[0])
	if len(raw) == 0 || raw[0] != '{' {
		return nil, nil
	}
	var row geonamesPlace
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, &ProviderError{Message: "GeoNames returned an unexpected row", Err: err}
	}

	p := &Place{
		City:        normalizeText(row.Name),
		Region:      normalizeText(row.AdminName1),
		Country:     normalizeText(row.CountryName),
		CountryCode: normalizeText(row.CountryCode),
		Postcode:    normalizeText(row.Postalcode),
		RawJSON:     string(raw),
	}
	var parts []string
	for _, s := range []string{p.City, p.Region, p.Country} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	p.DisplayName = strings.Join(parts, ", ")
	return p, nil
}

func isQuotaMessage(msg string) bool {
	m := cases.Fold().String(msg)
	return strings.Contains(m, "hourly limit") ||
		(strings.Contains(m, "credits") && strings.Contains(m, "exceeded")) ||
		strings.Contains(m, "please throttle your requests")
}

// isCertError is true only for certificate verification failures.
func isCertError(err error) bool {
	var verr *tls.CertificateVerificationError
	var unknown x509.UnknownAuthorityError
	var invalid x509.CertificateInvalidError
	var host x509.HostnameError
	if errors.As(err, &verr) || errors.As(err, &unknown) || errors.As(err, &invalid) || errors.As(err, &host) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "certificate verify failed") || strings.Contains(msg, "x509: certificate")
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
