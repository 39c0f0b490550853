package filter

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/zlog/v2"
)

// reload rebuilds the full rule set from config and list files, then replays
// the runtime rule journal on top so API changes survive a list reload. The
// running snapshot stays in place until the new one is complete.
func (f *Filter) reload() {
	rs := newRuleSet()

	for _, entry := range f.cfg.Whitelist {
		addRule(rs.allowExact, rs.allowWild, entry, defaultCategory)
	}
	for _, entry := range f.cfg.Blocklist {
		addRule(rs.blockExact, rs.blockWild, entry, defaultCategory)
	}

	if dir := f.cfg.FilterListDir; dir != "" {
		if err := readListDir(dir, rs); err != nil {
			zlog.Error("Read filter lists failed", "dir", dir, "error", err.Error())
		}
	}

	f.mu.Lock()
	for _, op := range f.journal {
		op.apply(rs)
	}
	f.rules.Store(rs)
	f.mu.Unlock()

	zlog.Info("Filter rules loaded", "total", f.Length())
}

func readListDir(dir string, rs *ruleSet) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return err
		}
	}

	return filepath.Walk(dir, func(path string, fi os.FileInfo, _ error) error {
		if fi == nil || fi.IsDir() {
			return nil
		}

		file, err := os.Open(filepath.FromSlash(path))
		if err != nil {
			return err
		}
		defer file.Close()

		category := strings.TrimSuffix(fi.Name(), filepath.Ext(fi.Name()))

		return parseListFile(file, category, rs)
	})
}

// parseListFile reads one rule per line. Lines starting with @@ are allow
// rules, hosts file style "0.0.0.0 domain" lines are accepted too.
func parseListFile(file *os.File, category string, rs *ruleSet) error {
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		allow := false
		if rest, ok := strings.CutPrefix(line, "@@"); ok {
			allow = true
			line = rest
		}

		fields := strings.Fields(line)
		if len(fields) > 1 && !strings.HasPrefix(fields[1], "#") {
			line = fields[1]
		} else {
			line = fields[0]
		}

		if allow {
			addRule(rs.allowExact, rs.allowWild, line, category)
		} else {
			addRule(rs.blockExact, rs.blockWild, line, category)
		}
	}

	return scanner.Err()
}

// watch reloads the rule set when list files change. Events are debounced so
// a burst of writes triggers a single rebuild.
func (f *Filter) watch() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		zlog.Error("Filter list watcher failed", "error", err.Error())
		return
	}

	if err := watcher.Add(f.cfg.FilterListDir); err != nil {
		zlog.Error("Filter list watch failed", "dir", f.cfg.FilterListDir, "error", err.Error())
		_ = watcher.Close()
		return
	}

	defer watcher.Close()

	var timer *time.Timer

	for {
		select {
		case <-f.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			if timer == nil {
				timer = time.AfterFunc(debounceDelay, func() {
					f.reload()
				})
			} else {
				timer.Reset(debounceDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			zlog.Warn("Filter list watcher error", "error", err.Error())
		}
	}
}

const debounceDelay = 500 * time.Millisecond
