package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"queue_notifier/internal/logging"
)

// StageCount is the number of messages in an imminent-turn sequence.
const StageCount = 5

// ErrSequenceRunning is returned by Begin when the account already has a
// sequence in flight. The running sequence is left untouched.
var ErrSequenceRunning = errors.New("sequence already running")

// StageFunc sends one stage of a sequence. Stages are numbered from 1.
type StageFunc func(ctx context.Context, stage int) error

// Sequencer runs staged message sequences, one per account. Stage 1 is sent by
// Begin on the caller's goroutine; stages 2..StageCount fire at fixed offsets
// of interval from stage 1 on a background goroutine owned by the Sequencer.
// An account has at most one sequence; a second Begin is skipped until the
// first finishes or is cancelled.
type Sequencer struct {
	interval time.Duration
	logger   *logrus.Entry

	root   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	seq    uint64
	active map[int64]*sequence
	closed bool
}

type sequence struct {
	id     uint64
	cancel context.CancelFunc
}

// NewSequencer constructs a Sequencer with the given stage interval.
func NewSequencer(interval time.Duration, logger *logrus.Entry) *Sequencer {
	if logger == nil {
		logger = logging.Logger()
	}

	root, stop := context.WithCancel(context.Background())
	return &Sequencer{
		interval: interval,
		logger:   logger,
		root:     root,
		stop:     stop,
		active:   make(map[int64]*sequence),
	}
}

// Begin sends stage 1 with ctx, then schedules the remaining stages. The
// schedule is independent of ctx so it survives the request that started it;
// it ends after the last stage, on Cancel, or on Shutdown. The stage 1 error is
// returned, or ErrSequenceRunning when nothing was sent.
func (s *Sequencer) Begin(ctx context.Context, accountID int64, send StageFunc) error {
	if s == nil {
		return errors.New("sequencer is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("sequencer is shut down")
	}
	if _, ok := s.active[accountID]; ok {
		s.mu.Unlock()
		s.logger.WithFields(logging.Fields{
			"event":      "telegram_sequence_skipped",
			"account_id": accountID,
		}).Debug("staged sequence already running")
		return ErrSequenceRunning
	}
	s.seq++
	seqCtx, cancel := context.WithCancel(s.root)
	current := &sequence{id: s.seq, cancel: cancel}
	s.active[accountID] = current
	s.wg.Add(1)
	s.mu.Unlock()

	started := time.Now()
	firstErr := send(ctx, 1)

	go s.run(seqCtx, accountID, current, started, send)

	return firstErr
}

func (s *Sequencer) run(ctx context.Context, accountID int64, current *sequence, started time.Time, send StageFunc) {
	defer s.wg.Done()
	defer s.finish(accountID, current)

	timer := time.NewTimer(time.Until(started.Add(s.interval)))
	defer timer.Stop()

	for stage := 2; stage <= StageCount; stage++ {
		select {
		case <-ctx.Done():
			s.logger.WithFields(logging.Fields{
				"event":      "telegram_sequence_cancelled",
				"account_id": accountID,
				"stage":      stage,
			}).Debug("staged sequence cancelled")
			return
		case <-timer.C:
		}

		if err := send(ctx, stage); err != nil {
			s.logger.WithFields(logging.Fields{
				"event":      "telegram_stage_failed",
				"account_id": accountID,
				"stage":      stage,
			}).WithError(err).Warn("staged message failed")
		}

		if stage < StageCount {
			timer.Reset(time.Until(started.Add(time.Duration(stage) * s.interval)))
		}
	}
}

func (s *Sequencer) finish(accountID int64, current *sequence) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current.cancel()
	if active, ok := s.active[accountID]; ok && active.id == current.id {
		delete(s.active, accountID)
	}
}

// Cancel stops the account's running sequence. It reports whether one was running.
func (s *Sequencer) Cancel(accountID int64) bool {
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.active[accountID]
	if !ok {
		return false
	}
	current.cancel()
	delete(s.active, accountID)
	return true
}

// Active reports whether the account has a sequence in flight.
func (s *Sequencer) Active(accountID int64) bool {
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[accountID]
	return ok
}

// Len returns the number of sequences in flight.
func (s *Sequencer) Len() int {
	if s == nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown cancels every sequence and waits for their goroutines, or for ctx.
func (s *Sequencer) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
