package logger

import "log/slog"

// Sink is the pair of log callbacks handed to supervisor components.
// Components never write to files or the console directly.
type Sink struct {
	Info  func(msg string, args ...any)
	Error func(msg string, args ...any)
}

// SinkFrom adapts a slog.Logger. A nil logger yields a discarding sink.
func SinkFrom(l *slog.Logger) Sink {
	if l == nil {
		return Discard()
	}
	return Sink{Info: l.Info, Error: l.Error}
}

// Discard drops every message.
func Discard() Sink {
	return Sink{
		Info:  func(string, ...any) {},
		Error: func(string, ...any) {},
	}
}

// OrDiscard fills missing callbacks.
func (s Sink) OrDiscard() Sink {
	if s.Info == nil {
		s.Info = func(string, ...any) {}
	}
	if s.Error == nil {
		s.Error = func(string, ...any) {}
	}
	return s
}
