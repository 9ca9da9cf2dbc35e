package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"recurd/internal/transport"
)

const defaultLogFile = "./recurd.log"

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig forwards log lines at or above MinLevel to Target through the
// alert adapter.
type AlertConfig struct {
	Enabled    bool
	Target     transport.Target
	MinLevel   string
	RatePerSec int
}

// Service owns the sinks and rebuilds the root logger on Apply. Loggers
// handed out by it pick up the new root on their next write.
type Service struct {
	mu   sync.Mutex
	root atomic.Pointer[zerolog.Logger]

	file     *os.File
	filePath string

	alerts *alertSink
}

// New applies cfg and returns the service with its root logger. sender may
// be nil; alerts are dropped until SetAlertSender attaches one.
func New(cfg Config, sender transport.Adapter) (*Service, Logger) {
	setup()
	s := &Service{alerts: newAlertSink(sender)}
	boot := zerolog.New(consoleWriter(stdout)).Level(parseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&boot)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetAlertSender attaches the adapter used by the alert sink; transports are
// built after logging.
func (s *Service) SetAlertSender(sender transport.Adapter) { s.alerts.setSender(sender) }

// AlertsDropped counts alerts lost to a full queue or a failed send.
func (s *Service) AlertsDropped() uint64 { return s.alerts.dropped.Load() }

func (s *Service) Close() error {
	s.alerts.stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.filePath = nil, ""
	return err
}

// Apply swaps outputs and levels. The log file is only reopened when its
// path changes. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(stdout))
	}
	if cfg.File.Enabled {
		if w := s.openFileLocked(cfg.File.Path); w != nil {
			writers = append(writers, w)
		}
	} else if s.file != nil {
		_ = s.file.Close()
		s.file, s.filePath = nil, ""
	}

	s.alerts.configure(cfg.Alert)
	if cfg.Alert.Enabled {
		writers = append(writers, s.alerts)
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) openFileLocked(path string) io.Writer {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if s.file != nil && s.filePath == path {
		return zerolog.SyncWriter(s.file)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "logx: create log dir %q: %v\n", dir, err)
			return nil
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		return nil
	}
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file, s.filePath = f, path
	return zerolog.SyncWriter(f)
}
