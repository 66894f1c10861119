package decision

import "certification-pipeline/internal/models"

// ProtectionLevel summarizes confirmed evidence for display.
type ProtectionLevel string

const (
	ProtectionNone       ProtectionLevel = "NONE"
	ProtectionActive     ProtectionLevel = "ACTIVE"
	ProtectionReinforced ProtectionLevel = "REINFORCED"
	ProtectionTotal      ProtectionLevel = "TOTAL"
)

// DeriveProtectionLevel grows monotonically with the log: TSA alone is
// ACTIVE, TSA plus polygon is REINFORCED, all three is TOTAL.
func DeriveProtectionLevel(events []models.Event) ProtectionLevel {
	epoch := CurrentEpoch(events)
	hasTSA := HasKind(epoch, models.KindTSAConfirmed)
	hasPolygon := AnchorConfirmed(epoch, models.NetworkPolygon)
	hasBitcoin := AnchorConfirmed(epoch, models.NetworkBitcoin)

	switch {
	case hasTSA && hasPolygon && hasBitcoin:
		return ProtectionTotal
	case hasTSA && hasPolygon:
		return ProtectionReinforced
	case hasTSA:
		return ProtectionActive
	}
	return ProtectionNone
}
