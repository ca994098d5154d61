package netsync

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// A Logger writes log output to the console and appends it to a file.
// The file of the previous run is kept as last.txt next to it.
type Logger struct {
	mu   sync.Mutex
	out  io.Writer
	file *os.File
}

// NewLogger opens the log file at path
func NewLogger(out io.Writer, path string) (*Logger, error) {
	l := &Logger{out: out}
	if path == "" {
		return l, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, err
	}
	os.Rename(path, filepath.Join(dir, "last.txt"))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, err
	}
	l.file = f

	return l, nil
}

func (l *Logger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out != nil {
		l.out.Write(p)
	}
	if l.file != nil {
		if _, err := l.file.Write(p); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

// Close closes the log file
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil

	return err
}

// SetupLogging points the standard logrus logger at a Logger built from cfg
func SetupLogging(cfg Config) (*Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	l, err := NewLogger(os.Stdout, cfg.LogFile)
	if err != nil {
		return nil, err
	}

	logrus.SetLevel(level)
	logrus.SetOutput(l)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return l, nil
}

// sessionLog returns the entry every component of a node logs through.
// The session id tells runs of the same peer apart in shared log files.
func sessionLog(base *logrus.Logger, id PeerID) *logrus.Entry {
	if base == nil {
		base = logrus.StandardLogger()
	}

	return base.WithFields(logrus.Fields{
		"local":   id,
		"session": uuid.New().String(),
	})
}
