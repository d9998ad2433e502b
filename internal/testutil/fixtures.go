// Package testutil builds family fixtures for tests.
package testutil

import (
	"math"

	"github.com/example/school-carpool/internal/models"
)

// Canberra is the reference home location used throughout the scenarios.
var Canberra = models.Coord{Lat: -35.2809, Lon: 149.1300}

const metersPerDegreeLat = 111194.93

// Offset returns the coordinate metersNorth north and metersEast east of c.
func Offset(c models.Coord, metersNorth, metersEast float64) models.Coord {
	lat := c.Lat + metersNorth/metersPerDegreeLat
	lon := c.Lon + metersEast/(metersPerDegreeLat*math.Cos(c.Lat*math.Pi/180))
	return models.Coord{Lat: lat, Lon: lon}
}

// Family returns a passenger-only family at home with an 8:00 ±15 departure.
func Family(id string, home models.Coord) models.Family {
	return models.Family{
		ID:                 id,
		Name:               "Family " + id,
		Home:               home,
		SchoolID:           "school-1",
		SchoolName:         "Lyneham Primary",
		DepartureMinute:    8 * 60,
		FlexibilityMinutes: 15,
		SeatsNeeded:        1,
		Trust:              models.TrustPhoneVerified,
		Rating:             4.5,
		RatingCount:        10,
	}
}

// Driver is Family with seats offered.
func Driver(id string, home models.Coord, seats int) models.Family {
	f := Family(id, home)
	f.SeatsOffered = seats
	return f
}

// Prefs matches Family's departure window with the given radius.
func Prefs(radius float64) models.Preferences {
	return models.Preferences{
		SearchRadiusMeters: radius,
		DepartureMinute:    8 * 60,
		FlexibilityMinutes: 15,
		RequiredSeats:      1,
	}
}
