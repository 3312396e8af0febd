package taskqueue

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// watchQueueFile starts reloading the queue file whenever it changes. The
// parent directory is watched so a file created after startup is seen.
func (s *Service) watchQueueFile(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}

	s.done = make(chan struct{})
	s.watchDone = make(chan struct{})
	go s.watch(watcher, filepath.Clean(path))
	s.logger.Debug("watching queue file", "file", path)
	return nil
}

func (s *Service) watch(watcher *fsnotify.Watcher, path string) {
	defer close(s.watchDone)
	defer func() {
		_ = watcher.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			defs, err := LoadQueueFile(path)
			if err != nil {
				s.logger.Error("failed to reload queue file", "file", path, "error", err)
				continue
			}
			s.reload(defs)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("queue file watcher error", "error", err)
		}
	}
}

// reload applies changed definitions to the live queues. New queues are
// created and existing ones take the new rate, bucket size and retry
// parameters. Queued tasks are kept. A queue that changes mode or
// disappears from the file keeps its current definition until the next
// session.
func (s *Service) reload(defs []QueueDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queues == nil {
		return
	}

	now := s.now()
	for _, def := range defs {
		q, ok := s.queues[def.Name]
		if !ok {
			s.queues[def.Name] = newQueue(def)
			s.logger.Info("queue created", "queue", def.Name, "rate", def.Rate)
			continue
		}
		if q.def.Mode != def.Mode {
			s.logger.Warn("queue mode change ignored until reset", "queue", def.Name, "mode", def.Mode)
			continue
		}
		limit, _ := ParseRate(def.Rate)
		q.limiter.SetLimitAt(now, limit)
		q.limiter.SetBurstAt(now, def.BucketSize)
		q.def = def
		s.logger.Info("queue updated", "queue", def.Name, "rate", def.Rate, "bucket_size", def.BucketSize)
	}
}
