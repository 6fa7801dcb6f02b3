package main

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
)

// logLevel is the severity of a log line.
type logLevel int32

const (
	levelDebug logLevel = iota
	levelInfo
	levelWarn
	levelError
)

func (l logLevel) String() string {
	switch l {
	case levelDebug:
		return "DEBUG"
	case levelInfo:
		return "INFO"
	case levelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

// logCategory groups related log lines.
type logCategory string

const (
	catEngine logCategory = "engine" // admission, approval, waiting list, promotion
	catStore  logCategory = "store"  // database and migrations
	catNotify logCategory = "notify" // outbox and senders
	catSweep  logCategory = "sweep"  // expiry sweep and reminders
	catBot    logCategory = "bot"    // telegram updates
	catConfig logCategory = "config" // configuration loading and reload
)

var minLogLevel atomic.Int32

func init() {
	minLogLevel.Store(int32(levelInfo))
}

// parseLogLevel accepts debug, info, warn or error.
func parseLogLevel(name string) (logLevel, error) {
	switch strings.ToLower(name) {
	case "debug":
		return levelDebug, nil
	case "info", "":
		return levelInfo, nil
	case "warn", "warning":
		return levelWarn, nil
	case "error":
		return levelError, nil
	}
	return levelInfo, fmt.Errorf("unknown log level %q", name)
}

func setLogLevel(name string) error {
	level, err := parseLogLevel(name)
	if err != nil {
		return err
	}
	minLogLevel.Store(int32(level))
	return nil
}

func logDebug(cat logCategory, msg string, fields ...any) { logLine(levelDebug, cat, msg, fields...) }
func logInfo(cat logCategory, msg string, fields ...any)  { logLine(levelInfo, cat, msg, fields...) }
func logWarn(cat logCategory, msg string, fields ...any)  { logLine(levelWarn, cat, msg, fields...) }

// logError logs err under the "error" field.
func logError(cat logCategory, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	}
	logLine(levelError, cat, msg, fields...)
}

// logLine writes "[LEVEL] [cat] msg k=v k2=v2" through the standard logger.
func logLine(level logLevel, cat logCategory, msg string, fields ...any) {
	if int32(level) < minLogLevel.Load() {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s", level, cat, msg)
	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Fprintf(&b, " %v=%v", fields[i], fields[i+1])
	}
	if len(fields)%2 != 0 {
		fmt.Fprintf(&b, " %v=", fields[len(fields)-1])
	}
	log.Print(b.String())
}
