package job

import "strings"

// Region selects which worker pool measures a job.
type Region string

const (
	RegionUS    Region = "us"
	RegionEU    Region = "eu"
	RegionAsia  Region = "asia"
	RegionIndia Region = "india"
)

// Regions lists the closed set of supported regions.
func Regions() []Region {
	return []Region{RegionUS, RegionEU, RegionAsia, RegionIndia}
}

func (r Region) Valid() bool {
	switch r {
	case RegionUS, RegionEU, RegionAsia, RegionIndia:
		return true
	}
	return false
}

// ParseRegion accepts a region identifier case-insensitively.
func ParseRegion(s string) (Region, error) {
	r := Region(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", ErrInvalidRegion
	}
	return r, nil
}
