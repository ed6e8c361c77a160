package rooms

import (
	"errors"
	"fmt"
)

// RoomStatus enumerates the operating states of a room.
type RoomStatus string

const (
	// StatusInactive is the state of a room below the activation threshold.
	StatusInactive RoomStatus = "inactive"
	// StatusActive is the state of a room at or above the activation threshold.
	StatusActive RoomStatus = "active"
	// StatusLocked is the moderation-imposed read-only state.
	StatusLocked RoomStatus = "locked"
	// StatusDeleted is the terminal soft-deleted state.
	StatusDeleted RoomStatus = "deleted"
)

// ErrInvalidTransition indicates a status move outside the legal edge set.
var ErrInvalidTransition = errors.New("rooms: invalid status transition")

// legalTransitions is the complete edge set of the room state machine.
// StatusDeleted is terminal.
var legalTransitions = map[RoomStatus][]RoomStatus{
	StatusInactive: {StatusActive, StatusDeleted},
	StatusActive:   {StatusLocked, StatusDeleted},
	StatusLocked:   {StatusActive, StatusDeleted},
}

// transition validates a status move and returns the target status.
func transition(from, to RoomStatus) (RoomStatus, error) {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return to, nil
		}
	}
	return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
