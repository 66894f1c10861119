package anchor

import (
	"strings"

	"certification-pipeline/internal/config"
	"certification-pipeline/internal/models"
)

// Policy bounds how long an anchor on one network is polled.
type Policy struct {
	// AlertAttempts logs a warning once the attempt counter reaches it.
	AlertAttempts int
	// MaxAttempts forces the anchor to failed.
	MaxAttempts int
	// Optional networks never keep a document certified on their own.
	Optional bool
}

// Policies holds one policy per network.
type Policies map[models.Network]Policy

// PoliciesFromConfig builds per-network policies. At a 5 minute cadence the
// bitcoin defaults alert after 20h and give up after 24h.
func PoliciesFromConfig(cfg config.Config) Policies {
	optional := map[models.Network]bool{}
	for _, name := range cfg.OptionalNetworks {
		if n, ok := models.ParseNetwork(strings.ToLower(name)); ok {
			optional[n] = true
		}
	}
	return Policies{
		models.NetworkBitcoin: {
			AlertAttempts: cfg.BitcoinAlertAttempts,
			MaxAttempts:   cfg.BitcoinMaxAttempts,
			Optional:      optional[models.NetworkBitcoin],
		},
		models.NetworkPolygon: {
			AlertAttempts: cfg.PolygonAlertAttempts,
			MaxAttempts:   cfg.PolygonMaxAttempts,
			Optional:      optional[models.NetworkPolygon],
		},
	}
}

func (p Policies) For(n models.Network) Policy {
	pol, ok := p[n]
	if !ok || pol.MaxAttempts <= 0 {
		pol.MaxAttempts = 288
	}
	if pol.AlertAttempts <= 0 || pol.AlertAttempts > pol.MaxAttempts {
		pol.AlertAttempts = pol.MaxAttempts
	}
	return pol
}

// Fallback decides the certification status of a document after the failed
// anchor gave up. A confirmed anchor of the same hash on another non-optional
// network keeps the document certified.
func Fallback(failed models.Anchor, siblings []models.Anchor, policies Policies) models.CertificationStatus {
	for _, a := range siblings {
		if a.Network == failed.Network || a.Status != models.AnchorConfirmed {
			continue
		}
		if a.DocumentHash != failed.DocumentHash {
			continue
		}
		if policies.For(a.Network).Optional {
			continue
		}
		return models.CertificationCertified
	}
	return models.CertificationFailed
}
