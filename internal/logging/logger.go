package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
)

const (
	// maxLogSize is the maximum log file size before rotation (5 MB).
	maxLogSize = 5 * 1024 * 1024
	// maxLogBackups is the number of rotated log files to keep.
	maxLogBackups = 3
)

// Options configures New.
type Options struct {
	AppName string
	Debug   bool
	// Path overrides the platform log location.
	Path string
	// Stderr, when set, also receives records at Warn and above.
	Stderr io.Writer
}

// New creates a JSON logger writing to a file in the platform location:
//   - macOS:   ~/Library/Logs/<app>/<app>.log
//   - Linux:   ~/.local/state/<app>/<app>.log
//   - Windows: %LOCALAPPDATA%\<app>\Logs\<app>.log
//
// The returned function closes the file. With Debug the level is DEBUG and
// records include source locations.
func New(opts Options) (*slog.Logger, func() error, error) {
	logPath := opts.Path
	if logPath == "" {
		p, err := getLogFilePath(opts.AppName)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get log file path: %w", err)
		}
		logPath = p
	}

	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}
	if err := rotateIfNeeded(logPath); err != nil {
		return nil, nil, fmt.Errorf("failed to rotate log file: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	var handler slog.Handler = slog.NewJSONHandler(logFile, &slog.HandlerOptions{
		Level:     level,
		AddSource: opts.Debug,
	})
	if opts.Stderr != nil {
		handler = fanout{handler, slog.NewTextHandler(opts.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})}
	}
	return slog.New(handler), logFile.Close, nil
}

// rotateIfNeeded renames current.log to current.log.1, .1 to .2 and so on
// once the file exceeds maxLogSize, keeping maxLogBackups files.
func rotateIfNeeded(logPath string) error {
	info, err := os.Stat(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < maxLogSize {
		return nil
	}

	for i := maxLogBackups; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", logPath, i)
		if i == maxLogBackups {
			_ = os.Remove(src)
			continue
		}
		_ = os.Rename(src, fmt.Sprintf("%s.%d", logPath, i+1))
	}
	if err := os.Rename(logPath, logPath+".1"); err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}
	return nil
}

// getLogFilePath returns the platform-specific log file path.
func getLogFilePath(appName string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Logs", appName, appName+".log"), nil
	case "linux", "freebsd", "openbsd", "netbsd":
		if state := os.Getenv("XDG_STATE_HOME"); state != "" {
			return filepath.Join(state, appName, appName+".log"), nil
		}
		return filepath.Join(homeDir, ".local", "state", appName, appName+".log"), nil
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(localAppData, appName, "Logs", appName+".log"), nil
	}
	return "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
}

// NewNopLogger returns a logger that discards everything. Useful in tests.
func NewNopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError + 1,
	}))
}

// fanout sends each record to both handlers.
type fanout [2]slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	return f[0].Enabled(ctx, l) || f[1].Enabled(ctx, l)
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var err error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if e := h.Handle(ctx, r.Clone()); e != nil && err == nil {
				err = e
			}
		}
	}
	return err
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return fanout{f[0].WithAttrs(attrs), f[1].WithAttrs(attrs)}
}

func (f fanout) WithGroup(name string) slog.Handler {
	return fanout{f[0].WithGroup(name), f[1].WithGroup(name)}
}
