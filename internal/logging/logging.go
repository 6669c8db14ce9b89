// Package logging wraps the standard library logger with the tagged-prefix
// convention the rest of this codebase uses ([BOT], [SERVER], [CRITICAL]...).
package logging

import (
	"fmt"
	"log"
)

// Tag is a component prefix, e.g. "UPLOAD", "BOTPOOL", "HEALTHCHECK".
type Tag string

const (
	TagCritical    Tag = "CRITICAL"
	TagBot         Tag = "BOT"
	TagBotErr      Tag = "BOT ERR"
	TagServer      Tag = "SERVER"
	TagServerErr   Tag = "SRV ERR"
	TagUpload      Tag = "UPLOAD"
	TagDownload    Tag = "DOWNLOAD"
	TagResolver    Tag = "RESOLVER"
	TagFetcher     Tag = "FETCHER"
	TagBotPool     Tag = "BOTPOOL"
	TagHealthcheck Tag = "HEALTHCHECK"
	TagIndex       Tag = "INDEX"
)

// Logger is a tag-scoped logger. Zero value is unusable; use New.
type Logger struct {
	tag Tag
}

// New returns a Logger that prefixes every line with "[tag]".
func New(tag Tag) *Logger {
	return &Logger{tag: tag}
}

func (l *Logger) Printf(format string, args ...any) {
	log.Printf("[%s] %s", l.tag, fmt.Sprintf(format, args...))
}

func (l *Logger) Println(args ...any) {
	log.Printf("[%s] %s", l.tag, fmt.Sprint(args...))
}

// pairedErrTags registers the error tag paired with a base tag.
var pairedErrTags = map[Tag]Tag{TagBot: TagBotErr, TagServer: TagServerErr}

// Err logs at the tag's paired "... ERR" tag if one is registered, else at
// the base tag suffixed with "ERR".
func (l *Logger) Err(format string, args ...any) {
	tag, ok := pairedErrTags[l.tag]
	if !ok {
		tag = l.tag + " ERR"
	}
	log.Printf("[%s] %s", tag, fmt.Sprintf(format, args...))
}

// Warn logs a warning under the base tag with a WARN suffix, matching the
// teacher's "[BOT WARN]" convention.
func (l *Logger) Warn(format string, args ...any) {
	log.Printf("[%s WARN] %s", l.tag, fmt.Sprintf(format, args...))
}

// Fatalf logs under [CRITICAL] and exits, matching main.go's startup checks.
func Fatalf(format string, args ...any) {
	log.Fatalf("[%s] %s", TagCritical, fmt.Sprintf(format, args...))
}
