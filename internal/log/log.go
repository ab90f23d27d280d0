package log

import "context"

// Kv is a set of key/value pairs attached to log lines.
type Kv map[string]any

// Logger is the logger used across the application.
type Logger interface {
	Infof(format string, args ...any)
	Warningf(format string, args ...any)
	Errorf(format string, args ...any)
	Debugf(format string, args ...any)
	WithValues(values Kv) Logger
	WithCtxValues(ctx context.Context) Logger
}

type ctxKey struct{}

// CtxWithValues returns a context carrying values that WithCtxValues will add to a logger.
func CtxWithValues(ctx context.Context, values Kv) context.Context {
	prev, _ := ctx.Value(ctxKey{}).(Kv)
	merged := Kv{}
	for k, v := range prev {
		merged[k] = v
	}
	for k, v := range values {
		merged[k] = v
	}
	return context.WithValue(ctx, ctxKey{}, merged)
}

// ValuesFromCtx returns the values stored with CtxWithValues.
func ValuesFromCtx(ctx context.Context) Kv {
	if ctx == nil {
		return nil
	}
	v, _ := ctx.Value(ctxKey{}).(Kv)
	return v
}

// Noop logger discards everything.
var Noop Logger = noop{}

type noop struct{}

func (noop) Infof(string, ...any)                   {}
func (noop) Warningf(string, ...any)                {}
func (noop) Errorf(string, ...any)                  {}
func (noop) Debugf(string, ...any)                  {}
func (n noop) WithValues(Kv) Logger                 { return n }
func (n noop) WithCtxValues(context.Context) Logger { return n }
