package airquality

// NationalBBox covers the contiguous United States.
var NationalBBox = BBox{MinLon: -125, MinLat: 25, MaxLon: -66, MaxLat: 49}

// MajorCityRadiusKm is the default radius around each major city.
const MajorCityRadiusKm = 75.0

// DefaultPartitions is the national box followed by the ten largest US
// cities.
func DefaultPartitions() []Partition {
	parts := []Partition{{Name: "national", Kind: PartitionBBox, BBox: NationalBBox}}
	for _, c := range ReferenceCities[:10] {
		parts = append(parts, Partition{
			Name:     c.Name,
			Kind:     PartitionRadius,
			Center:   Coordinates{Lat: c.Lat, Lon: c.Lon},
			RadiusKm: MajorCityRadiusKm,
		})
	}
	return parts
}

// ValidatePartition checks ranges and that the partition is usable.
func ValidatePartition(p Partition) error {
	switch p.Kind {
	case PartitionBBox:
		return validate.Struct(p.BBox)
	case PartitionRadius:
		if p.RadiusKm <= 0 {
			return errInvalidRadius
		}
		return validate.Struct(p.Center)
	default:
		return errInvalidPartitionKind
	}
}
