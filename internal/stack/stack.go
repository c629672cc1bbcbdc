// Package stack provides a small linked-list container that can be consumed
// from either end.
//
// Items are pushed on the top. Pop removes the newest item (LIFO) and Pull
// removes the oldest one (FIFO). The protocol client uses the FIFO side as a
// work queue for asynchronous requests.
//
// A Stack is not safe for concurrent use; owners guard it with their own lock.
package stack

type element[T any] struct {
	value T
	next  *element[T]
}

// Stack is a singly linked list that tracks both its top and bottom element.
// Each element points toward the bottom, so Pull walks from the top to find
// the parent of the bottom element.
type Stack[T any] struct {
	top    *element[T]
	bottom *element[T]
	size   int
}

// New returns an empty stack.
func New[T any]() *Stack[T] {
	return &Stack[T]{}
}

// Len returns the number of items on the stack.
func (s *Stack[T]) Len() int {
	return s.size
}

// Push places v on top of the stack and returns the new size.
func (s *Stack[T]) Push(v T) int {
	e := &element[T]{value: v, next: s.top}
	s.top = e
	if s.bottom == nil {
		s.bottom = e
	}
	s.size++
	return s.size
}

// Pop removes and returns the top item.
func (s *Stack[T]) Pop() (T, bool) {
	var zero T
	if s.top == nil {
		return zero, false
	}
	e := s.top
	s.top = e.next
	if s.top == nil {
		s.bottom = nil
	}
	s.size--
	return e.value, true
}

// Pull removes and returns the bottom item.
func (s *Stack[T]) Pull() (T, bool) {
	var zero T
	if s.bottom == nil {
		return zero, false
	}
	e := s.bottom
	if s.top == e {
		s.top, s.bottom = nil, nil
		s.size = 0
		return e.value, true
	}
	parent := s.top
	for parent.next != e {
		parent = parent.next
	}
	parent.next = nil
	s.bottom = parent
	s.size--
	return e.value, true
}

// Top returns the newest item without removing it.
func (s *Stack[T]) Top() (T, bool) {
	if s.top == nil {
		var zero T
		return zero, false
	}
	return s.top.value, true
}

// Bottom returns the oldest item without removing it.
func (s *Stack[T]) Bottom() (T, bool) {
	if s.bottom == nil {
		var zero T
		return zero, false
	}
	return s.bottom.value, true
}
