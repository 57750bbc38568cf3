package logger

import (
	"log/slog"
)

// SlogHandler is a Logger backed by log/slog.
type SlogHandler struct {
	logger *slog.Logger
}

// New wraps a slog.Handler.
func New(h slog.Handler) *SlogHandler {
	return &SlogHandler{logger: slog.New(h)}
}

func (handler *SlogHandler) With(args ...any) *SlogHandler {
	return &SlogHandler{logger: handler.logger.With(args...)}
}

func (handler *SlogHandler) Error(msg string, args ...any) {
	handler.logger.Error(msg, args...)
}

func (handler *SlogHandler) Warn(msg string, args ...any) {
	handler.logger.Warn(msg, args...)
}

func (handler *SlogHandler) Info(msg string, args ...any) {
	handler.logger.Info(msg, args...)
}

func (handler *SlogHandler) Debug(msg string, args ...any) {
	handler.logger.Debug(msg, args...)
}
