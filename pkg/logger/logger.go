package logger

import (
	"log"
	"os"
)

// Logger is a small leveled logger. Components of the chat client take one
// so callers can scope output per subsystem (connection, offline, session).
type Logger struct {
	infoLogger  *log.Logger
	errorLogger *log.Logger
	debugLogger *log.Logger
}

func New() *Logger {
	return &Logger{
		infoLogger:  log.New(os.Stdout, "INFO: ", log.Ldate|log.Ltime|log.Lshortfile),
		errorLogger: log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lshortfile),
		debugLogger: log.New(os.Stdout, "DEBUG: ", log.Ldate|log.Ltime|log.Lshortfile),
	}
}

// Named returns a logger whose lines are prefixed with a component name,
// e.g. "INFO: [connection] ...".
func Named(name string) *Logger {
	prefix := "[" + name + "] "
	return &Logger{
		infoLogger:  log.New(os.Stdout, "INFO: "+prefix, log.Ldate|log.Ltime),
		errorLogger: log.New(os.Stderr, "ERROR: "+prefix, log.Ldate|log.Ltime),
		debugLogger: log.New(os.Stdout, "DEBUG: "+prefix, log.Ldate|log.Ltime),
	}
}

func (l *Logger) Info(format string, v ...interface{}) {
	l.infoLogger.Printf(format, v...)
}

func (l *Logger) Error(format string, v ...interface{}) {
	l.errorLogger.Printf(format, v...)
}

func (l *Logger) Debug(format string, v ...interface{}) {
	l.debugLogger.Printf(format, v...)
}

func (l *Logger) Fatal(format string, v ...interface{}) {
	l.errorLogger.Printf(format, v...)
	os.Exit(1)
}

// Global logger instance
var GlobalLogger = New()

// Convenience functions
func Info(format string, v ...interface{}) {
	GlobalLogger.Info(format, v...)
}

func Error(format string, v ...interface{}) {
	GlobalLogger.Error(format, v...)
}

func Debug(format string, v ...interface{}) {
	GlobalLogger.Debug(format, v...)
}
