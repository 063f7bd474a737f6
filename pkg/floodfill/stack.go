// Package floodfill implements a bounded-memory, scanline-optimized 3D flood
// fill over byte voxel buffers.
package floodfill

import "lungseg/internal/models"

// DefaultStackRatio is the fraction of the volume's voxel count reserved for
// the fill frontier. It is an empirical bound that holds for typical chest
// volumes; fills that need more fail with ErrStackOverflow.
const DefaultStackRatio = 0.3

// Stack is a fixed-capacity LIFO of voxel coordinates.
// The backing array is allocated once and never grows.
type Stack struct {
	items []models.Coord
	top   int
}

// NewStack creates a stack holding at most capacity coordinates.
// A capacity below 1 is raised to 1 so a seed can always be pushed.
func NewStack(capacity int) *Stack {
	if capacity < 1 {
		capacity = 1
	}
	return &Stack{items: make([]models.Coord, capacity)}
}

// NewStackForDims sizes a stack as floor(total voxels * ratio)
func NewStackForDims(dims models.Dims, ratio float64) *Stack {
	return NewStack(int(float64(dims.Total()) * ratio))
}

// Push stores c on top of the stack. It returns false when the stack is full.
func (s *Stack) Push(c models.Coord) bool {
	if s.top == len(s.items) {
		return false
	}
	s.items[s.top] = c
	s.top++
	return true
}

// Pop removes and returns the top coordinate. The second return value is
// false when the stack is empty.
func (s *Stack) Pop() (models.Coord, bool) {
	if s.top == 0 {
		return models.Coord{}, false
	}
	s.top--
	return s.items[s.top], true
}

// IsEmpty reports whether the stack holds no coordinates
func (s *Stack) IsEmpty() bool {
	return s.top == 0
}

// Len returns the number of stored coordinates
func (s *Stack) Len() int {
	return s.top
}

// Cap returns the fixed capacity
func (s *Stack) Cap() int {
	return len(s.items)
}

// Reset empties the stack without releasing its storage
func (s *Stack) Reset() {
	s.top = 0
}
