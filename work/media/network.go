package media

// Network speed classes.
const (
	SpeedFast   = "fast"
	SpeedMedium = "medium"
	SpeedSlow   = "slow"
)

// NetworkHint exposes the environment's connection-type estimate, such as
// "4g" or "3g". ok is false when no estimate is available.
type NetworkHint interface {
	EffectiveType() (effectiveType string, ok bool)
}

// StaticHint is a fixed NetworkHint; the empty value means unavailable.
type StaticHint string

func (h StaticHint) EffectiveType() (string, bool) {
	return string(h), h != ""
}

// Classify maps a connection hint to a speed class. Without a hint the
// network is assumed fast.
func Classify(h NetworkHint) string {
	if h == nil {
		return SpeedFast
	}
	kind, ok := h.EffectiveType()
	if !ok {
		return SpeedFast
	}

	switch kind {
	case "4g", "5g":
		return SpeedFast
	case "3g":
		return SpeedMedium
	default:
		return SpeedSlow
	}
}
