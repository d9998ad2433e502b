package group

import (
	"errors"

	"github.com/example/school-carpool/internal/models"
)

var (
	ErrNoMatchesProvided    = errors.New("no matched families provided")
	ErrNotMatched           = errors.New("family has no match with the admin")
	ErrInsufficientCapacity = errors.New("not enough seats for passenger families")
	ErrDuplicateGroup       = errors.New("families already share an active group with this admin")
)

// FormationError is returned by Form for every validation failure. Reason is
// one of the sentinels above; Group is set for ErrDuplicateGroup and holds
// the conflicting group.
type FormationError struct {
	Reason error
	Detail string
	Group  *models.CarpoolGroup
}

func (e *FormationError) Error() string {
	if e.Detail == "" {
		return e.Reason.Error()
	}
	return e.Reason.Error() + ": " + e.Detail
}

func (e *FormationError) Unwrap() error { return e.Reason }

// ExistingGroup extracts the conflicting group from a duplicate-group error.
func ExistingGroup(err error) (models.CarpoolGroup, bool) {
	var fe *FormationError
	if errors.As(err, &fe) && fe.Group != nil {
		return *fe.Group, true
	}
	return models.CarpoolGroup{}, false
}
