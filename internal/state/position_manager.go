package state

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

var (
	ErrPositionNotFound = errors.New("position: not found")
	ErrPositionExists   = errors.New("position: id already in use")
)

// PositionManager owns active positions and each owner's active set.
type PositionManager struct {
	positions map[PositionID]*Position
	byOwner   map[uuid.UUID]map[PositionID]struct{}
	nextID    PositionID
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions: make(map[PositionID]*Position),
		byOwner:   make(map[uuid.UUID]map[PositionID]struct{}),
		nextID:    1,
	}
}

// NextID returns the id the next inserted position will get.
func (pm *PositionManager) NextID() PositionID {
	return pm.nextID
}

// Insert assigns the next id to pos and adds it to the owner's active set.
func (pm *PositionManager) Insert(pos *Position) PositionID {
	pos.ID = pm.nextID
	pm.nextID++
	pm.put(pos)
	return pos.ID
}

func (pm *PositionManager) put(pos *Position) {
	pm.positions[pos.ID] = pos
	set, ok := pm.byOwner[pos.Owner]
	if !ok {
		set = make(map[PositionID]struct{})
		pm.byOwner[pos.Owner] = set
	}
	set[pos.ID] = struct{}{}
}

// GetPosition returns an active position or nil
func (pm *PositionManager) GetPosition(id PositionID) *Position {
	return pm.positions[id]
}

// Replace swaps in a new version of an existing position.
func (pm *PositionManager) Replace(pos *Position) error {
	if _, ok := pm.positions[pos.ID]; !ok {
		return fmt.Errorf("%w: %d", ErrPositionNotFound, pos.ID)
	}
	pm.positions[pos.ID] = pos
	return nil
}

// Remove deletes a position from the active set. Removing the same id twice is an error.
func (pm *PositionManager) Remove(id PositionID) (*Position, error) {
	pos, ok := pm.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	delete(pm.positions, id)
	if set, ok := pm.byOwner[pos.Owner]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(pm.byOwner, pos.Owner)
		}
	}
	return pos, nil
}

// Restore puts a position back under its existing id (snapshot restore and rollback).
func (pm *PositionManager) Restore(pos *Position) error {
	if _, ok := pm.positions[pos.ID]; ok {
		return fmt.Errorf("%w: %d", ErrPositionExists, pos.ID)
	}
	pm.put(pos)
	if pos.ID >= pm.nextID {
		pm.nextID = pos.ID + 1
	}
	return nil
}

// SetNextID is used on snapshot restore so ids stay monotonic across restarts.
func (pm *PositionManager) SetNextID(id PositionID) {
	if id > pm.nextID {
		pm.nextID = id
	}
}

// GetOwnerPositions returns an owner's active positions ordered by id
func (pm *PositionManager) GetOwnerPositions(owner uuid.UUID) []*Position {
	set := pm.byOwner[owner]
	result := make([]*Position, 0, len(set))
	for id := range set {
		result = append(result, pm.positions[id])
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// GetAllPositions returns all active positions ordered by id
func (pm *PositionManager) GetAllPositions() []*Position {
	result := make([]*Position, 0, len(pm.positions))
	for _, pos := range pm.positions {
		result = append(result, pos)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (pm *PositionManager) Count() int { return len(pm.positions) }
