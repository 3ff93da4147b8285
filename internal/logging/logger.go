// Package logging configures the shared logrus instance for the Pool Proxy
// API server. Configuration is driven by the application config: debug mode
// controls the level and caller reporting, and logging-to-file switches the
// sink to a rotating file. Gin's own writers are bridged into logrus so
// every line goes through one formatter.
package logging

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logDir      = "logs"
	logFile     = "proxy.log"
	maxSizeMB   = 20
	maxBackups  = 3
	maxAgeDays  = 28
	timeLayout  = "2006-01-02 15:04:05.000"
	levelColumn = 5
)

// Formatter renders one entry as "[ts] [LEVEL] message", appending the
// caller as " (file:line)" when caller reporting is on. The level column is
// padded so lines align.
type Formatter struct{}

// Format implements logrus.Formatter.
func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	buffer := entry.Buffer
	if buffer == nil {
		buffer = &bytes.Buffer{}
	}

	level := strings.ToUpper(entry.Level.String())
	if len(level) < levelColumn {
		level = level + strings.Repeat(" ", levelColumn-len(level))
	}
	buffer.WriteString(fmt.Sprintf("[%s] [%s] %s",
		entry.Time.Format(timeLayout), level, strings.TrimRight(entry.Message, "\r\n")))

	// Structured fields follow the message as key=value pairs.
	for _, key := range sortedFieldKeys(entry.Data) {
		buffer.WriteString(fmt.Sprintf(" %s=%v", key, entry.Data[key]))
	}

	if entry.HasCaller() {
		buffer.WriteString(fmt.Sprintf(" (%s:%d)", filepath.Base(entry.Caller.File), entry.Caller.Line))
	}
	buffer.WriteByte('\n')
	return buffer.Bytes(), nil
}

func sortedFieldKeys(data log.Fields) []string {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// Configure sets up the shared logrus instance from the application
// settings and bridges Gin's writers into it. Safe to call again when the
// configuration is reloaded.
func Configure(debug, toFile bool) error {
	log.SetFormatter(&Formatter{})

	if debug {
		log.SetLevel(log.DebugLevel)
		log.SetReportCaller(true)
	} else {
		log.SetLevel(log.InfoLevel)
		log.SetReportCaller(false)
	}

	if toFile {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("logging: failed to create log directory: %w", err)
		}
		rotating := &lumberjack.Logger{
			Filename:   filepath.Join(logDir, logFile),
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		}
		log.SetOutput(rotating)
		log.RegisterExitHandler(func() {
			_ = rotating.Close()
		})
	} else {
		log.SetOutput(os.Stdout)
	}

	// Route Gin's own chatter through logrus so there is one formatter.
	gin.DefaultWriter = log.StandardLogger().WriterLevel(log.DebugLevel)
	gin.DefaultErrorWriter = log.StandardLogger().WriterLevel(log.ErrorLevel)
	gin.DebugPrintFunc = func(format string, values ...interface{}) {
		log.Debugf(strings.TrimRight(format, "\r\n"), values...)
	}
	return nil
}
