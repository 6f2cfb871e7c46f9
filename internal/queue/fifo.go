package queue

import (
	"container/list"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

type fifoStore struct {
	l *list.List
}

// NewFIFO builds a first-in-first-out queue. capacity 0 means unbounded.
func NewFIFO(capacity int) *Queue {
	return newQueue(&fifoStore{l: list.New()}, capacity)
}

func (s *fifoStore) push(job *crawler.Job) {
	s.l.PushBack(job)
}

func (s *fifoStore) pop() (*crawler.Job, bool) {
	front := s.l.Front()
	if front == nil {
		return nil, false
	}
	s.l.Remove(front)
	return front.Value.(*crawler.Job), true
}

func (s *fifoStore) len() int {
	return s.l.Len()
}

func (s *fifoStore) clear() int {
	n := s.l.Len()
	s.l.Init()
	return n
}
