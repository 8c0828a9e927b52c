package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	sugarLogger *zap.SugaredLogger
	baseLogger  *zap.Logger
	atomicLevel zap.AtomicLevel
	once        sync.Once
	mu          sync.RWMutex
)

func initLogger() {
	if err := applyLevel("info"); err != nil {
		panic(fmt.Sprintf("logger initialization failed: %v", err))
	}
}

func applyLevel(level string) error {
	mu.Lock()
	defer mu.Unlock()

	parsed := parseLevel(level)
	if atomicLevel == (zap.AtomicLevel{}) {
		atomicLevel = zap.NewAtomicLevelAt(parsed)
	} else {
		atomicLevel.SetLevel(parsed)
	}

	encoderCfg := zap.NewDevelopmentConfig().EncoderConfig
	encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeCaller = zapcore.ShortCallerEncoder

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(os.Stderr), atomicLevel)

	newLogger := zap.New(core,
		zap.AddCaller(),
		zap.Development(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)

	baseLogger = newLogger
	sugarLogger = newLogger.Sugar()
	zap.ReplaceGlobals(baseLogger)

	return nil
}

// InitWithLevel sets up the global zap logger with a specific log level.
// It returns the sugared logger and a cleanup function that must be deferred.
func InitWithLevel(level string) (*zap.SugaredLogger, func()) {
	var initErr error
	once.Do(func() {
		initErr = applyLevel(level)
	})
	if initErr != nil {
		panic(fmt.Sprintf("logger initialization failed: %v", initErr))
	}
	SetLogLevel(level)

	cleanup := func() {
		mu.RLock()
		defer mu.RUnlock()
		if baseLogger != nil {
			_ = baseLogger.Sync()
		}
	}
	return Logger(), cleanup
}

func Logger() *zap.SugaredLogger {
	once.Do(initLogger)

	mu.RLock()
	defer mu.RUnlock()

	if sugarLogger == nil {
		panic("logger initialization failed: sugarLogger is nil")
	}
	return sugarLogger
}

func With(args ...interface{}) *zap.SugaredLogger {
	return Logger().With(args...)
}

// SetLogLevel dynamically changes the log level without re-initializing the logger.
func SetLogLevel(level string) {
	mu.Lock()
	defer mu.Unlock()

	if atomicLevel == (zap.AtomicLevel{}) {
		return
	}
	atomicLevel.SetLevel(parseLevel(level))
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
