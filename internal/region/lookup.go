// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package region

import "math"

// box is a latitude/longitude bounding box assigned to one region.
// Boxes are deliberately generous: a balloon over water should keep
// transmitting on the rules of the nearest shore.
type box struct {
	region         Region
	latMin, latMax float64
	lonMin, lonMax float64
}

// The table is ordered: the first containing box wins, so small
// regions surrounded by big ones (Korea inside the Asia box, Russia
// above Europe) come first.
var regionBoxes = []box{
	{KR920, 33, 39, 124, 131},   // Korean peninsula and coastal waters
	{RU864, 50, 82, 27, 180},    // Russia, checked before the EU box
	{IN865, 6, 36, 68, 92},      // Indian subcontinent
	{CN470, 20, 50, 97, 125},    // mainland China
	{AS923, -10, 46, 92, 155},   // SE Asia, Japan, western Pacific
	{AU915, -50, -10, 110, 180}, // Australia, NZ, Tasman and Coral seas
	{AU915, -56, 5, -82, -34},   // South America runs AU915 parameters
	{EU868, 34, 72, -11, 40},    // Europe and near Atlantic
	{EU868, -35, 34, -18, 52},   // Africa and Middle East largely follow EU868
	{US915, 5, 72, -169, -50},   // North America, Caribbean, coastal waters
}

// maxNearestKm bounds the fallback search: beyond this the caller
// keeps its current region rather than guessing.
const maxNearestKm = 1500.0

func (b *box) contains(lat, lon float64) bool {
	return lat >= b.latMin && lat <= b.latMax && lon >= b.lonMin && lon <= b.lonMax
}

// distanceKm is the great-circle distance from a point to the nearest
// edge of the box (zero inside).
func (b *box) distanceKm(lat, lon float64) float64 {
	clat := math.Max(b.latMin, math.Min(b.latMax, lat))
	clon := math.Max(b.lonMin, math.Min(b.lonMax, lon))
	return haversineKm(lat, lon, clat, clon)
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	toRad := math.Pi / 180.0
	dLat := (lat2 - lat1) * toRad
	dLon := (lon2 - lon1) * toRad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*toRad)*math.Cos(lat2*toRad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// Locate maps coordinates to a LoRaWAN region. Outside every box it
// falls back to the nearest box within maxNearestKm; ok=false means
// nothing is close enough and the caller should keep its current
// region.
func Locate(lat, lon float64) (Region, bool) {
	for i := range regionBoxes {
		if regionBoxes[i].contains(lat, lon) {
			return regionBoxes[i].region, true
		}
	}

	best := -1
	bestDist := math.Inf(1)
	for i := range regionBoxes {
		if d := regionBoxes[i].distanceKm(lat, lon); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best >= 0 && bestDist <= maxNearestKm {
		return regionBoxes[best].region, true
	}
	return "", false
}
