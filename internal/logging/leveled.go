package logging

import "go.uber.org/zap"

// Leveled adapts the global logger to the key/value LeveledLogger shape
// expected by go-retryablehttp. Retry chatter is demoted one level so a
// healthy backend does not flood info logs.
type Leveled struct {
	component string
}

// NewLeveled returns a Leveled logger tagged with the given component name.
func NewLeveled(component string) *Leveled {
	return &Leveled{component: component}
}

func (l *Leveled) sugar() *zap.SugaredLogger {
	return L().Sugar().With("component", l.component)
}

func (l *Leveled) Error(msg string, keysAndValues ...interface{}) {
	l.sugar().Warnw(msg, keysAndValues...)
}

func (l *Leveled) Warn(msg string, keysAndValues ...interface{}) {
	l.sugar().Infow(msg, keysAndValues...)
}

func (l *Leveled) Info(msg string, keysAndValues ...interface{}) {
	l.sugar().Debugw(msg, keysAndValues...)
}

func (l *Leveled) Debug(msg string, keysAndValues ...interface{}) {
	l.sugar().Debugw(msg, keysAndValues...)
}
