// Package temporal holds the glue between the Temporal SDK and the service:
// logging bridge and client construction.
package temporal

import (
	"fmt"
	"reflect"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// Logger bridges Temporal's key/value logger onto zap.
type Logger struct {
	zl *zap.Logger
}

var (
	_ log.Logger     = (*Logger)(nil)
	_ log.WithLogger = (*Logger)(nil)
)

func NewLogger(zl *zap.Logger) *Logger {
	if zl == nil {
		zl = zap.NewNop()
	}
	// Temporal wraps every call once more; skip it so callers are reported.
	return &Logger{zl: zl.WithOptions(zap.AddCallerSkip(1))}
}

func (l *Logger) Debug(msg string, keyvals ...interface{}) { l.zl.Debug(msg, fields(keyvals)...) }
func (l *Logger) Info(msg string, keyvals ...interface{})  { l.zl.Info(msg, fields(keyvals)...) }
func (l *Logger) Warn(msg string, keyvals ...interface{})  { l.zl.Warn(msg, fields(keyvals)...) }
func (l *Logger) Error(msg string, keyvals ...interface{}) { l.zl.Error(msg, fields(keyvals)...) }

// With returns a logger carrying keyvals on every entry.
func (l *Logger) With(keyvals ...interface{}) log.Logger {
	return &Logger{zl: l.zl.With(fields(keyvals)...)}
}

// fields converts alternating key/value pairs. A non-string key is
// formatted; a trailing key without a value is logged under "!BADKEY".
func fields(keyvals []interface{}) []zap.Field {
	out := make([]zap.Field, 0, (len(keyvals)+1)/2)
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 == len(keyvals) {
			out = append(out, field("!BADKEY", keyvals[i]))
			break
		}
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		out = append(out, field(key, keyvals[i+1]))
	}
	return out
}

func field(key string, val interface{}) (f zap.Field) {
	defer func() {
		if r := recover(); r != nil {
			f = zap.String(key, fmt.Sprintf("<unloggable: %v>", r))
		}
	}()
	if err, ok := val.(error); ok {
		return zap.NamedError(key, err)
	}
	if val == nil {
		return zap.Skip()
	}
	switch reflect.ValueOf(val).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return zap.String(key, fmt.Sprintf("<%T>", val))
	}
	return zap.Any(key, val)
}

// Dial connects to the Temporal frontend with the zap bridge installed.
func Dial(hostPort, namespace string, zl *zap.Logger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
		Logger:    NewLogger(zl),
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal %s: %w", hostPort, err)
	}
	return c, nil
}
