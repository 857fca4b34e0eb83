package collab

import (
	"context"
	"errors"
)

const DefaultSemaphore = 100

var (
	ErrSemaphoreTimeout  = errors.New("acquire reach time limit")
	ErrSemaphoreReleased = errors.New("release failed, semaphore is not acquired")
)

// SemaphoreControl 限制同时进行的操作数（房间提交、kafka 发送）
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(max int) *SemaphoreControl {
	if max <= 0 {
		max = DefaultSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, max)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrSemaphoreTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrSemaphoreReleased
	}
}

func (s *SemaphoreControl) InUse() int { return len(s.ch) }
