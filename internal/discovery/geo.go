package discovery

import (
	"math"

	"github.com/gaspareduard/PlateifyAPP/internal/model"
)

const earthRadiusKm = 6371.0

// DistanceKm 两点间的大圆距离（haversine）
func DistanceKm(a, b model.GeoPoint) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// ValidPoint 纬度 [-90, 90]，经度 [-180, 180]
func ValidPoint(p model.GeoPoint) bool {
	return !math.IsNaN(p.Latitude) && !math.IsNaN(p.Longitude) &&
		p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180
}
