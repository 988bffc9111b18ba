package airquality

import "time"

// DedupKey identifies the same observation reported twice.
type DedupKey struct {
	Lat        float64
	Lon        float64
	Pollutant  Pollutant
	ObservedAt string
}

// KeyOf returns the dedup key of r. The timestamp is compared in its
// canonical string form.
func KeyOf(r Reading) DedupKey {
	return DedupKey{
		Lat:        r.Coordinates.Lat,
		Lon:        r.Coordinates.Lon,
		Pollutant:  r.Pollutant,
		ObservedAt: r.ObservedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Dedupe drops readings whose key was already seen; the first occurrence
// wins and order is preserved.
func Dedupe(readings []Reading) []Reading {
	if len(readings) == 0 {
		return readings
	}
	seen := make(map[DedupKey]struct{}, len(readings))
	out := make([]Reading, 0, len(readings))
	for _, r := range readings {
		k := KeyOf(r)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}
