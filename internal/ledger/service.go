package ledger

import (
	"log"
	"sync"
)

// Service is an async writer in front of a Ledger. Emit performs a
// non-blocking channel send so the data plane never stalls on disk;
// entries are dropped on overflow.
type Service struct {
	ledger *Ledger
	queue  chan Entry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService wraps the ledger with an async write queue.
func NewService(l *Ledger, queueSize int) *Service {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Service{
		ledger: l,
		queue:  make(chan Entry, queueSize),
		stopCh: make(chan struct{}),
	}
}

// Start launches the background writer goroutine.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.writeLoop()
}

// Stop signals the writer to stop, drains remaining entries, and returns.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Emit enqueues an entry. Non-blocking; drops on overflow.
func (s *Service) Emit(entry Entry) {
	select {
	case s.queue <- entry:
	default:
		// Queue full, drop to avoid blocking the hot path.
	}
}

// Ledger returns the underlying ledger for query access.
func (s *Service) Ledger() *Ledger { return s.ledger }

func (s *Service) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case entry := <-s.queue:
			s.write(entry)
		case <-s.stopCh:
			for {
				select {
				case entry := <-s.queue:
					s.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) write(entry Entry) {
	if err := s.ledger.Insert(entry); err != nil {
		log.Printf("[ledger] insert id=%q failed: %v", entry.ID, err)
	}
}
