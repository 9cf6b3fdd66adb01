package store

import "github.com/rotisserie/eris"

var (
	// ErrNotFound is returned by point lookups when no row matches.
	ErrNotFound = eris.New("store: not found")

	// ErrUnknownSpecimen is returned when a write references a specimen
	// that was never registered. Callers must register the image first.
	ErrUnknownSpecimen = eris.New("store: unknown specimen")
)

// IsNotFound reports whether err derives from ErrNotFound.
func IsNotFound(err error) bool {
	return eris.Is(err, ErrNotFound)
}
