package frontdoor

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watchRuleFile warns when the active rule file changes on disk. The rule
// table is never reloaded; a restart is needed to apply the change.
func (s *Service) watchRuleFile() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := s.cfg.Redirects.Dir
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return err
	}
	file := filepath.Base(s.cfg.Redirects.File)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer w.Close()
		for {
			select {
			case <-s.stopCh:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != file {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
					continue
				}
				s.logger.Warn("redirect file changed on disk, restart to apply",
					zap.String("file", ev.Name),
					zap.String("op", ev.Op.String()))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("redirect file watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
