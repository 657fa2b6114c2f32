package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger - интерфейс логирования в стиле "ключ-значение".
// Все компоненты сервиса зависят от этого интерфейса, а не от zap напрямую.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	Sync() error
}

// Config содержит настройки логгера
type Config struct {
	Level      string `mapstructure:"level" validate:"required,oneof=debug info warn error fatal"`
	Encoding   string `mapstructure:"encoding" validate:"required,oneof=json console"`
	OutputPath string `mapstructure:"output_path"`
}

// zapLogger реализует Logger поверх zap.SugaredLogger
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// New создает логгер с заданными настройками
func New(cfg *Config) (Logger, error) {
	// Преобразовываем строковый уровень логирования в zapcore.Level
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("failed to parse log level %q: %w", cfg.Level, err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	// Определяем путь для вывода логов
	var outputPaths []string
	if cfg.OutputPath != "" {
		outputPaths = append(outputPaths, cfg.OutputPath)
	}
	outputPaths = append(outputPaths, "stdout")

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       false,
		Encoding:          cfg.Encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputPaths,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     false,
		DisableStacktrace: true,
	}

	log, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return &zapLogger{sugar: log.Sugar()}, nil
}

// NewDefault создает логгер со стандартными настройками для разработки
func NewDefault() Logger {
	log, err := New(&Config{
		Level:    "debug",
		Encoding: "console",
	})
	if err != nil {
		// Конфигурация по умолчанию валидна, сюда попасть нельзя
		panic(fmt.Sprintf("failed to initialize default logger: %v", err))
	}
	return log
}

// NewNop возвращает логгер, который ничего не пишет. Удобен в тестах.
func NewNop() Logger {
	return &zapLogger{sugar: zap.NewNop().Sugar()}
}

func (l *zapLogger) Debug(msg string, args ...any) {
	l.sugar.Debugw(msg, args...)
}

func (l *zapLogger) Info(msg string, args ...any) {
	l.sugar.Infow(msg, args...)
}

func (l *zapLogger) Warn(msg string, args ...any) {
	l.sugar.Warnw(msg, args...)
}

func (l *zapLogger) Error(msg string, args ...any) {
	l.sugar.Errorw(msg, args...)
}

// With создает новый логгер с дополнительными полями
func (l *zapLogger) With(args ...any) Logger {
	return &zapLogger{sugar: l.sugar.With(args...)}
}

// Sync сбрасывает записи из буфера логгера
func (l *zapLogger) Sync() error {
	return l.sugar.Sync()
}
