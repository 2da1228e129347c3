// Package region holds the LoRaWAN region model: which regulatory
// region a coordinate falls in, and the durable per-region session
// store that makes hot region switching possible without re-joining.
package region

import "fmt"

// Region is a LoRaWAN regional parameters identifier.
type Region string

const (
	EU868 Region = "EU868"
	US915 Region = "US915"
	AS923 Region = "AS923"
	AU915 Region = "AU915"
	KR920 Region = "KR920"
	IN865 Region = "IN865"
	RU864 Region = "RU864"
	CN470 Region = "CN470"
)

// Tags give each region a stable single-byte identity for the packed
// store layout. Never renumber.
var regionTags = map[Region]uint8{
	EU868: 0,
	US915: 1,
	AS923: 2,
	AU915: 3,
	KR920: 4,
	IN865: 5,
	RU864: 6,
	CN470: 7,
}

var tagRegions = func() map[uint8]Region {
	m := make(map[uint8]Region, len(regionTags))
	for r, t := range regionTags {
		m[t] = r
	}
	return m
}()

// Tag returns the byte tag for a region.
func (r Region) Tag() (uint8, error) {
	t, ok := regionTags[r]
	if !ok {
		return 0, fmt.Errorf("unknown region %q", string(r))
	}
	return t, nil
}

// FromTag resolves a stored byte tag.
func FromTag(tag uint8) (Region, error) {
	r, ok := tagRegions[tag]
	if !ok {
		return "", fmt.Errorf("unknown region tag %d", tag)
	}
	return r, nil
}

// Parse validates a configured region name.
func Parse(s string) (Region, error) {
	r := Region(s)
	if _, ok := regionTags[r]; !ok {
		return "", fmt.Errorf("unknown region %q", s)
	}
	return r, nil
}
