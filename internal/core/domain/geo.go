package domain

import "strings"

// regionalIndicatorOffset maps 'A'..'Z' onto U+1F1E6..U+1F1FF.
const regionalIndicatorOffset = 0x1F1E6 - 'A'

// GeoRecord is the geolocation enrichment attached to a network chain entry.
// Every field except IP may be nil when unknown.
type GeoRecord struct {
	IP          string        `json:"ip"`
	Hostname    *string       `json:"hostname"`
	CountryCode *string       `json:"country_code"`
	City        *string       `json:"city"`
	RegionName  *string       `json:"region_name"`
	Location    GeoLocation   `json:"location"`
	Connection  GeoConnection `json:"connection"`
}

type GeoLocation struct {
	CountryFlagEmoji *string `json:"country_flag_emoji"`
}

type GeoConnection struct {
	ISP *string `json:"isp"`
	Org *string `json:"org"`
	AS  *string `json:"as"`
}

// EmptyGeoRecord returns a record with only ip and, when non-nil, hostname set.
func EmptyGeoRecord(ip string, hostname *string) *GeoRecord {
	return &GeoRecord{IP: ip, Hostname: hostname}
}

func (g *GeoRecord) Clone() *GeoRecord {
	if g == nil {
		return nil
	}
	cp := &GeoRecord{
		IP:          g.IP,
		Hostname:    copyString(g.Hostname),
		CountryCode: copyString(g.CountryCode),
		City:        copyString(g.City),
		RegionName:  copyString(g.RegionName),
	}
	cp.Location.CountryFlagEmoji = copyString(g.Location.CountryFlagEmoji)
	cp.Connection.ISP = copyString(g.Connection.ISP)
	cp.Connection.Org = copyString(g.Connection.Org)
	cp.Connection.AS = copyString(g.Connection.AS)
	return cp
}

// Equal reports whether both records carry the same values.
func (g *GeoRecord) Equal(o *GeoRecord) bool {
	if g == nil || o == nil {
		return g == o
	}
	return g.IP == o.IP &&
		eqString(g.Hostname, o.Hostname) &&
		eqString(g.CountryCode, o.CountryCode) &&
		eqString(g.City, o.City) &&
		eqString(g.RegionName, o.RegionName) &&
		eqString(g.Location.CountryFlagEmoji, o.Location.CountryFlagEmoji) &&
		eqString(g.Connection.ISP, o.Connection.ISP) &&
		eqString(g.Connection.Org, o.Connection.Org) &&
		eqString(g.Connection.AS, o.Connection.AS)
}

// FlagEmoji converts a two-letter country code into its flag emoji. Anything
// that is not two ASCII letters yields "".
func FlagEmoji(countryCode string) string {
	code := strings.ToUpper(strings.TrimSpace(countryCode))
	if len(code) != 2 {
		return ""
	}
	var b strings.Builder
	for _, c := range code {
		if c < 'A' || c > 'Z' {
			return ""
		}
		b.WriteRune(c + regionalIndicatorOffset)
	}
	return b.String()
}

// StringPtr returns nil for "" and a pointer to s otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func eqString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
