package geo

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

	"snapmesh/internal/core/domain"
	"snapmesh/internal/core/ports"
)

const DefaultProviderURL = "https://ipwho.is/%s"

// maxBodyBytes caps the provider response read.
const maxBodyBytes = 64 << 10

var (
	ErrRateLimited = errors.New("geolocation provider rate limited")
	ErrLookup      = errors.New("geolocation lookup failed")
)

// IPWhoProvider queries an ipwho.is compatible JSON endpoint. The URL template
// carries one %s for the address.
type IPWhoProvider struct {
	urlTemplate string
	client      *http.Client
	userAgent   string
}

var _ ports.GeoProvider = (*IPWhoProvider)(nil)

func NewIPWhoProvider(urlTemplate string, timeout time.Duration) *IPWhoProvider {
	if urlTemplate == "" {
		urlTemplate = DefaultProviderURL
	}
	return &IPWhoProvider{
		urlTemplate: urlTemplate,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		userAgent: "snapmesh/1.0",
	}
}

type ipwhoResponse struct {
	IP          string `json:"ip"`
	Success     *bool  `json:"success"`
	Message     string `json:"message"`
	CountryCode string `json:"country_code"`
	Region      string `json:"region"`
	City        string `json:"city"`
	Connection  struct {
		ASN json.Number `json:"asn"`
		Org string      `json:"org"`
		ISP string      `json:"isp"`
	} `json:"connection"`
}

func (p *IPWhoProvider) Lookup(ctx context.Context, ip string) (*domain.GeoRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(p.urlTemplate, url.PathEscape(ip)), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookup, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", ErrLookup, resp.StatusCode)
	}

	var body ipwhoResponse
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrLookup, err)
	}
	if body.Success != nil && !*body.Success {
		if strings.Contains(strings.ToLower(body.Message), "limit") {
			return nil, ErrRateLimited
		}
		return nil, fmt.Errorf("%w: %s", ErrLookup, body.Message)
	}

	rec := domain.EmptyGeoRecord(ip, nil)
	rec.CountryCode = domain.StringPtr(body.CountryCode)
	rec.City = domain.StringPtr(body.City)
	rec.RegionName = domain.StringPtr(body.Region)
	rec.Connection.ISP = domain.StringPtr(body.Connection.ISP)
	rec.Connection.Org = domain.StringPtr(body.Connection.Org)
	if asn := body.Connection.ASN.String(); asn != "" && asn != "0" {
		rec.Connection.AS = domain.StringPtr("AS" + asn)
	}
	return rec, nil
}
