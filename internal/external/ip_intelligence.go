package external

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"

	"payout-security-api/internal/models"
)

var ErrInvalidIP = errors.New("invalid IP address")

// IPIntelligence resolves what is known about a source address.
type IPIntelligence interface {
	Lookup(ctx context.Context, ip string) (*models.IPReputation, error)
}

// GeoIPIntelligence answers from MaxMind Country and Anonymous-IP databases.
type GeoIPIntelligence struct {
	country   *geoip2.Reader
	anonymous *geoip2.Reader
}

// NewGeoIPIntelligence opens the MaxMind databases. Either path may be empty;
// the matching part of the lookup is then skipped.
func NewGeoIPIntelligence(countryDBPath, anonymousDBPath string) (*GeoIPIntelligence, error) {
	g := &GeoIPIntelligence{}
	if countryDBPath != "" {
		db, err := geoip2.Open(countryDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open country database: %w", err)
		}
		g.country = db
	}
	if anonymousDBPath != "" {
		db, err := geoip2.Open(anonymousDBPath)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("failed to open anonymous-ip database: %w", err)
		}
		g.anonymous = db
	}
	return g, nil
}

func (g *GeoIPIntelligence) Lookup(_ context.Context, ip string) (*models.IPReputation, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, ErrInvalidIP
	}

	rep := &models.IPReputation{IPAddress: ip}
	if g.country != nil {
		record, err := g.country.Country(parsed)
		if err != nil {
			return nil, fmt.Errorf("country lookup failed: %w", err)
		}
		rep.CountryCode = record.Country.IsoCode
	}
	if g.anonymous != nil {
		record, err := g.anonymous.AnonymousIP(parsed)
		if err != nil {
			return nil, fmt.Errorf("anonymous-ip lookup failed: %w", err)
		}
		rep.IsVPN = record.IsAnonymousVPN
		rep.IsProxy = record.IsPublicProxy || record.IsResidentialProxy
		rep.IsTor = record.IsTorExitNode
		rep.IsHosting = record.IsHostingProvider
	}
	return rep, nil
}

func (g *GeoIPIntelligence) Close() error {
	var errs []error
	if g.country != nil {
		errs = append(errs, g.country.Close())
	}
	if g.anonymous != nil {
		errs = append(errs, g.anonymous.Close())
	}
	return errors.Join(errs...)
}

// Denylist flags addresses inside configured CIDR ranges.
type Denylist struct {
	networks []*net.IPNet
}

func NewDenylist(cidrs []string) (*Denylist, error) {
	d := &Denylist{}
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !strings.Contains(c, "/") {
			if strings.Contains(c, ":") {
				c += "/128"
			} else {
				c += "/32"
			}
		}
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid denylist entry %q: %w", c, err)
		}
		d.networks = append(d.networks, network)
	}
	return d, nil
}

func (d *Denylist) Lookup(_ context.Context, ip string) (*models.IPReputation, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, ErrInvalidIP
	}
	rep := &models.IPReputation{IPAddress: ip}
	for _, n := range d.networks {
		if n.Contains(parsed) {
			rep.Denylisted = true
			break
		}
	}
	return rep, nil
}

type chainIntelligence struct {
	sources []IPIntelligence
}

// Chain merges the answers of several sources. Any source error fails the
// whole lookup.
func Chain(sources ...IPIntelligence) IPIntelligence {
	return &chainIntelligence{sources: sources}
}

func (c *chainIntelligence) Lookup(ctx context.Context, ip string) (*models.IPReputation, error) {
	merged := &models.IPReputation{IPAddress: ip}
	for _, src := range c.sources {
		rep, err := src.Lookup(ctx, ip)
		if err != nil {
			return nil, err
		}
		if merged.CountryCode == "" {
			merged.CountryCode = rep.CountryCode
		}
		merged.IsVPN = merged.IsVPN || rep.IsVPN
		merged.IsProxy = merged.IsProxy || rep.IsProxy
		merged.IsTor = merged.IsTor || rep.IsTor
		merged.IsHosting = merged.IsHosting || rep.IsHosting
		merged.Denylisted = merged.Denylisted || rep.Denylisted
	}
	return merged, nil
}
