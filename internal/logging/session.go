// Package logging provides session-based logging for the Broker. It keeps
// routine per-request chatter in a session file while surfacing only
// operator-relevant events (Service connect/disconnect, Register/Deregister
// outcomes, failures) on the console. Adapted from the teacher's
// atomic/logging/session.go SessionLogger, repointed at Broker lifecycle
// events in place of Alfa's PEV cycle/AI-response logging.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SessionLogger manages logging to both file and console with selective
// output: Debug goes to the session file only, Info also goes to stdout
// unless quiet, UserMessage always goes to stdout, and Error always goes to
// stderr.
type SessionLogger struct {
	sessionFile *os.File
	mu          sync.Mutex
	sessionPath string
	quietMode   bool
}

// New creates a session logger writing under logDir.
func New(logDir string, quietMode bool) (*SessionLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	sessionID := time.Now().Format("20060102-150405")
	sessionPath := filepath.Join(logDir, fmt.Sprintf("broker-%s.log", sessionID))

	file, err := os.OpenFile(sessionPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create session log file: %w", err)
	}

	logger := &SessionLogger{
		sessionFile: file,
		sessionPath: sessionPath,
		quietMode:   quietMode,
	}

	logger.writeToFile("=== USP Broker Session Started ===\n")
	logger.writeToFile("Session ID: %s\n", sessionID)
	logger.writeToFile("Time: %s\n", time.Now().Format(time.RFC3339))
	logger.writeToFile("===================================\n\n")

	log.SetOutput(file)
	log.SetFlags(log.Ldate | log.Ltime)

	return logger, nil
}

func (s *SessionLogger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionFile != nil {
		s.writeToFile("\n=== Session Ended ===\nTime: %s\n", time.Now().Format(time.RFC3339))
		return s.sessionFile.Close()
	}
	return nil
}

func (s *SessionLogger) GetSessionPath() string { return s.sessionPath }

func (s *SessionLogger) Debug(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeToFile("[%s] DEBUG: %s\n", stamp(), fmt.Sprintf(format, args...))
}

func (s *SessionLogger) Info(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message := fmt.Sprintf(format, args...)
	s.writeToFile("[%s] INFO: %s\n", stamp(), message)
	if !s.quietMode {
		fmt.Println(message)
	}
}

// UserMessage is for operator-facing events — Service connected/disconnected,
// Register/Deregister outcomes — that should always reach the console.
func (s *SessionLogger) UserMessage(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message := fmt.Sprintf(format, args...)
	s.writeToFile("[%s] EVENT: %s\n", stamp(), message)
	fmt.Println(message)
}

func (s *SessionLogger) Error(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message := fmt.Sprintf(format, args...)
	s.writeToFile("[%s] ERROR: %s\n", stamp(), message)
	fmt.Fprintf(os.Stderr, "error: %s\n", message)
}

func (s *SessionLogger) writeToFile(format string, args ...interface{}) {
	if s.sessionFile != nil {
		fmt.Fprintf(s.sessionFile, format, args...)
		s.sessionFile.Sync()
	}
}

func (s *SessionLogger) SetQuietMode(quiet bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quietMode = quiet
}

func stamp() string { return time.Now().Format("15:04:05") }

var (
	globalLogger *SessionLogger
	globalMu     sync.Mutex
)

func SetGlobalLogger(logger *SessionLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

func GetGlobalLogger() *SessionLogger {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalLogger
}

func GlobalInfo(format string, args ...interface{}) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.Info(format, args...)
	} else {
		log.Printf("[INFO] "+format, args...)
	}
}

func GlobalError(format string, args ...interface{}) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.Error(format, args...)
	} else {
		log.Printf("[ERROR] "+format, args...)
	}
}
