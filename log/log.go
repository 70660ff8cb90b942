// Package log is a small leveled logger that carries a
// correlation ID through the context
package log

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/google/uuid"
)

type Level int

const (
	DEBUG Level = iota + 1
	INFO
	WARN
	ERROR
)

var level = INFO

// SetLevel sets the minimum level that will be written
func SetLevel(lvl Level) {
	level = lvl
}

// F is a bag of structured fields attached to a log line
type F map[string]string

func write(ctx context.Context, lvl string, msg string, fields F) {
	fn, file, line, _ := runtime.Caller(2)
	fun := runtime.FuncForPC(fn).Name()
	if id := GetID(ctx); id != uuid.Nil {
		log.Printf("[%s] %s: %s %v [%s %s:%d]", id, lvl, msg, fields, fun, file, line)
		return
	}
	log.Printf("%s: %s %v [%s %s:%d]", lvl, msg, fields, fun, file, line)
}

func Debug(ctx context.Context, msg string, fields F) {
	if level <= DEBUG {
		write(ctx, "DEBUG", msg, fields)
	}
}

func Info(ctx context.Context, msg string, fields F) {
	if level <= INFO {
		write(ctx, "INFO", msg, fields)
	}
}

func Warn(ctx context.Context, msg string, fields F) {
	if level <= WARN {
		write(ctx, "WARN", msg, fields)
	}
}

// Error logs and returns an error built from msg and fields,
// so a failure can be logged and propagated in one move
func Error(ctx context.Context, msg interface{}, fields F) error {
	err := toError(msg, fields)
	write(ctx, "ERROR", err.Error(), fields)
	return err
}

func Fatal(msg string, fields F) {
	log.Printf("FATAL: %s %v", msg, fields)
	os.Exit(1)
}

func toError(msg interface{}, fields F) error {
	var err error
	switch v := msg.(type) {
	case string:
		err = errors.New(v)
	case error:
		err = v
	default:
		err = errors.New(fmt.Sprint(v))
	}

	for key, val := range fields {
		err = fmt.Errorf("%w: %s: %s", err, key, val)
	}
	return err
}
