package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field adds one key to an event. Later fields win on duplicate keys.
type Field func(*zerolog.Event)

func String(key, val string) Field {
	return func(e *zerolog.Event) { e.Str(key, val) }
}

func Int(key string, val int) Field {
	return func(e *zerolog.Event) { e.Int(key, val) }
}

func Int64(key string, val int64) Field {
	return func(e *zerolog.Event) { e.Int64(key, val) }
}

func Bool(key string, val bool) Field {
	return func(e *zerolog.Event) { e.Bool(key, val) }
}

func Duration(key string, val time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(key, val) }
}

func Time(key string, val time.Time) Field {
	return func(e *zerolog.Event) { e.Time(key, val) }
}

func Any(key string, val any) Field {
	return func(e *zerolog.Event) { e.Interface(key, val) }
}

// Err adds the error under "error"; nil adds nothing.
func Err(err error) Field {
	if err == nil {
		return func(*zerolog.Event) {}
	}
	return func(e *zerolog.Event) { e.Err(err) }
}

// Stack adds a goroutine stack dump; blank dumps are skipped.
func Stack(dump string) Field {
	if strings.TrimSpace(dump) == "" {
		return func(*zerolog.Event) {}
	}
	return String("stack", dump)
}

// Job tags an event with a job id.
func Job(id string) Field { return String("job", id) }

// Dest tags an event with an upload destination.
func Dest(dest string) Field { return String("dest", dest) }
