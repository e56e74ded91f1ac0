package chunkstore

import (
	"context"
	"time"

	"github.com/zacheryvaughn/network-volume-manager/core/model"
)

// StartGC runs the idle-upload sweep until ctx is canceled. Targets with no
// chunk activity for cfg.IdleTimeout lose their staging space so abandoned
// uploads cannot pin disk forever.
func (s *Store) StartGC(ctx context.Context) {
	if s.cfg.IdleTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(s.cfg.IdleTimeout / 4)
	defer ticker.Stop()

	log.Infow("gc", "status", "idle upload monitor started", "idleTimeout", s.cfg.IdleTimeout)

	for {
		select {
		case <-ticker.C:
			s.sweepIdle()
		case <-ctx.Done():
			log.Infow("gc", "status", "idle upload monitor stopped")
			return
		}
	}
}

func (s *Store) sweepIdle() {
	cutoff := time.Now().Add(-s.cfg.IdleTimeout)

	var idle []*target
	s.targets.Range(func(_, v any) bool {
		idle = append(idle, v.(*target))
		return true
	})

	for _, t := range idle {
		t.mu.Lock()
		switch t.state {
		case model.UploadOpen, model.UploadReceiving:
			if t.lastActivity.Before(cutoff) {
				log.Infow("gc", "status", "sweeping idle upload", "file", targetKey(t.Dir, t.Filename), "received", t.receivedCount, "total", t.TotalChunks)
				s.failLocked(t)
			}
		}
		t.mu.Unlock()
	}
}
