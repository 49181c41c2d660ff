package game

import "errors"

// Client protocol errors. They are reported to the caller only and never
// change the record.
var (
	ErrGameNotFound     = errors.New("game not found")
	ErrNotParticipant   = errors.New("you are not a player in this game")
	ErrGameNotActive    = errors.New("game is not active")
	ErrNotYourTurn      = errors.New("not your turn")
	ErrInvalidPosition  = errors.New("position must be between 0 and 8")
	ErrCellOccupied     = errors.New("cell already occupied")
	ErrNotJoinable      = errors.New("game is not open for joining")
	ErrAlreadyJoined    = errors.New("you are already in this game")
	ErrInvalidMode      = errors.New("mode must be bot or multiplayer")
	ErrInvalidMark      = errors.New("mark must be x or o")
	ErrMalformedMessage = errors.New("malformed message")
)

var clientErrors = []error{
	ErrGameNotFound, ErrNotParticipant, ErrGameNotActive, ErrNotYourTurn,
	ErrInvalidPosition, ErrCellOccupied, ErrNotJoinable, ErrAlreadyJoined,
	ErrInvalidMode, ErrInvalidMark, ErrMalformedMessage,
}

// IsClientError reports whether err should be shown to the client as a
// protocol error rather than treated as a server failure.
func IsClientError(err error) bool {
	_, ok := clientError(err)
	return ok
}

// clientError returns the sentinel behind err.
func clientError(err error) (error, bool) {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return target, true
		}
	}
	return nil, false
}
