package daemon

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewRotatingLogger returns a logger writing to a size-rotated file,
// teed to stderr. A long-lived daemon must not grow its log without
// bound; 10MB x 3 backups x 28 days matches lumberjack's own defaults.
func NewRotatingLogger(path string) *log.Logger {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	return log.New(io.MultiWriter(os.Stderr, rotator), "[daemon] ", log.LstdFlags)
}
