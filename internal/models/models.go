package models

import (
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c is a usable WGS84 coordinate. The zero value is
// treated as missing.
func (c Coord) Valid() bool {
	if c.Lat == 0 && c.Lon == 0 {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// TrustLevel is ordered: a higher value means a stronger verification.
type TrustLevel int

const (
	TrustUnverified TrustLevel = iota
	TrustPhoneVerified
	TrustDocumentsVerified
	TrustFullyVerified
)

func (t TrustLevel) String() string {
	switch t {
	case TrustPhoneVerified:
		return "phone_verified"
	case TrustDocumentsVerified:
		return "documents_verified"
	case TrustFullyVerified:
		return "fully_verified"
	default:
		return "unverified"
	}
}

// ParseTrustLevel is the inverse of TrustLevel.String. An empty string is
// TrustUnverified.
func ParseTrustLevel(s string) (TrustLevel, error) {
	switch s {
	case "", "unverified":
		return TrustUnverified, nil
	case "phone_verified":
		return TrustPhoneVerified, nil
	case "documents_verified":
		return TrustDocumentsVerified, nil
	case "fully_verified":
		return TrustFullyVerified, nil
	}
	return TrustUnverified, fmt.Errorf("unknown trust level %q", s)
}

// MarshalText writes the level by name so profiles on the wire read
// "phone_verified" rather than 1.
func (t TrustLevel) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TrustLevel) UnmarshalText(b []byte) error {
	v, err := ParseTrustLevel(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Family is a read-only snapshot of a household profile for one matching cycle.
type Family struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Home               Coord      `json:"home"`
	SchoolID           string     `json:"school_id"`
	SchoolName         string     `json:"school_name,omitempty"`
	School             Coord      `json:"school"`
	DepartureMinute    int        `json:"departure_minute"` // minutes after local midnight
	FlexibilityMinutes int        `json:"flexibility_minutes"`
	SeatsOffered       int        `json:"seats_offered"` // 0 = passenger-only
	SeatsNeeded        int        `json:"seats_needed"`
	Trust              TrustLevel `json:"trust"`
	Rating             float64    `json:"rating"` // 0..5
	RatingCount        int        `json:"rating_count"`
	Updated            time.Time  `json:"updated"`
}

// CanDrive reports whether the family has a vehicle with at least one free seat.
func (f Family) CanDrive() bool { return f.SeatsOffered > 0 }

// SeatDemand is the number of seats the family needs when riding as a passenger.
func (f Family) SeatDemand() int {
	if f.SeatsNeeded <= 0 {
		return 1
	}
	return f.SeatsNeeded
}

type Preferences struct {
	SearchRadiusMeters   float64 `json:"search_radius_m"`
	DepartureMinute      int     `json:"departure_minute"`
	FlexibilityMinutes   int     `json:"flexibility_minutes"`
	RequiredSeats        int     `json:"required_seats"`
	PrioritizeSafety     bool    `json:"prioritize_safety"`
	RequireVerification  bool    `json:"require_verification"`
	AllowBackgroundCheck bool    `json:"allow_background_check"`
}

// Score is a compatibility value in [0,1] and the factors it was built from.
type Score struct {
	Total          float64 `json:"total"`
	Distance       float64 `json:"distance"`
	TimeOverlap    float64 `json:"time_overlap"`
	SeatFit        float64 `json:"seat_fit"`
	Trust          float64 `json:"trust"`
	DistanceMeters float64 `json:"distance_m"`
	Eligible       bool    `json:"eligible"`
}

type Direction string

const (
	Accept Direction = "accept"
	Reject Direction = "reject"
)

func (d Direction) Valid() bool { return d == Accept || d == Reject }

type SwipeDecision struct {
	UserID      string    `json:"user_id"`
	CandidateID string    `json:"candidate_id"`
	Direction   Direction `json:"direction"`
	At          time.Time `json:"at"`
}

// Match is an unordered pair stored with FamilyA < FamilyB.
type Match struct {
	ID        string    `json:"id"`
	FamilyA   string    `json:"family_a"`
	FamilyB   string    `json:"family_b"`
	CreatedAt time.Time `json:"created_at"`
}

// Other returns the family on the other side of the match from id.
func (m Match) Other(id string) (string, bool) {
	switch id {
	case m.FamilyA:
		return m.FamilyB, true
	case m.FamilyB:
		return m.FamilyA, true
	}
	return "", false
}

// PairKey orders two family ids so that the pair (a,b) and (b,a) share a key.
func PairKey(a, b string) (lo, hi string) {
	if a < b {
		return a, b
	}
	return b, a
}

type MatchEvent struct {
	MatchID   string    `json:"match_id"`
	FamilyA   string    `json:"family_a"`
	FamilyB   string    `json:"family_b"`
	CreatedAt time.Time `json:"created_at"`
}

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleDriver    Role = "driver"
	RolePassenger Role = "passenger"
)

type Member struct {
	FamilyID       string    `json:"family_id"`
	Roles          []Role    `json:"roles"`
	SeatsOffered   int       `json:"seats_offered"`
	SeatsRequested int       `json:"seats_requested"`
	MatchedAt      time.Time `json:"matched_at,omitempty"` // zero for the admin
	JoinedAt       time.Time `json:"joined_at"`
}

func (m Member) HasRole(r Role) bool {
	for _, have := range m.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// SeatAssignment places Seats of a passenger family in a driver's vehicle.
type SeatAssignment struct {
	PassengerID string `json:"passenger_id"`
	DriverID    string `json:"driver_id"`
	Seats       int    `json:"seats"`
}

const GroupStatusActive = "active"

type CarpoolGroup struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	AdminID        string           `json:"admin_id"`
	SchoolID       string           `json:"school_id"`
	Members        []Member         `json:"members"`
	Allocations    []SeatAssignment `json:"allocations"`
	IdempotencyKey string           `json:"-"`
	Status         string           `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
}

// MemberIDs returns the member family ids in group order.
func (g CarpoolGroup) MemberIDs() []string {
	out := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		out = append(out, m.FamilyID)
	}
	return out
}
