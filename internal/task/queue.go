package task

import "sync"

type node[T any] struct {
	next  *node[T]
	value T
}

// Queue is a FIFO container of pending work items, such as collection
// requests posted to the daemon thread.
// The zero value is an empty queue.
type Queue[T any] struct {
	lock       sync.Mutex
	head, tail *node[T]
	len        int
}

// Push an item onto the queue.
func (q *Queue[T]) Push(v T) {
	n := &node[T]{value: v}
	q.lock.Lock()
	if q.tail != nil {
		q.tail.next = n
	}
	q.tail = n
	if q.head == nil {
		q.head = n
	}
	q.len++
	q.lock.Unlock()
}

// Pop an item off of the queue.
func (q *Queue[T]) Pop() (v T, ok bool) {
	q.lock.Lock()
	n := q.head
	if n == nil {
		q.lock.Unlock()
		return v, false
	}
	q.head = n.next
	if q.tail == n {
		q.tail = nil
	}
	q.len--
	q.lock.Unlock()
	return n.value, true
}

// Append pops the contents of another queue and pushes them onto the end of
// this queue.
func (q *Queue[T]) Append(other *Queue[T]) {
	other.lock.Lock()
	head, tail, n := other.head, other.tail, other.len
	other.head, other.tail, other.len = nil, nil, 0
	other.lock.Unlock()
	if head == nil {
		return
	}
	q.lock.Lock()
	if q.head == nil {
		q.head = head
	} else {
		q.tail.next = head
	}
	q.tail = tail
	q.len += n
	q.lock.Unlock()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.lock.Lock()
	n := q.len
	q.lock.Unlock()
	return n
}

// Empty checks if the queue is empty.
func (q *Queue[T]) Empty() bool {
	return q.Len() == 0
}

// Stack is a LIFO container.
// The zero value is an empty stack.
// This is slightly cheaper than a queue, so it can be preferable when strict
// ordering is not necessary.
type Stack[T any] struct {
	lock sync.Mutex
	top  *node[T]
}

// Push an item onto the stack.
func (s *Stack[T]) Push(v T) {
	n := &node[T]{value: v}
	s.lock.Lock()
	s.top, n.next = n, s.top
	s.lock.Unlock()
}

// Pop an item off of the stack.
func (s *Stack[T]) Pop() (v T, ok bool) {
	s.lock.Lock()
	n := s.top
	if n != nil {
		s.top = n.next
		n.next = nil
	}
	s.lock.Unlock()
	if n == nil {
		return v, false
	}
	return n.value, true
}

// Drain moves the contents of the stack into a slice, most recent first.
func (s *Stack[T]) Drain() []T {
	s.lock.Lock()
	top := s.top
	s.top = nil
	s.lock.Unlock()
	var out []T
	for n := top; n != nil; n = n.next {
		out = append(out, n.value)
	}
	return out
}
