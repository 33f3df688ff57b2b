package observability

import (
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const instrumentationScope = "ticketstock"

// NewLogger builds the process logger. Console output is JSON at info level,
// or human-readable at debug level when verbose is set. With exportLogs the
// console core is teed with an otelzap core on the global logger provider.
func NewLogger(verbose, exportLogs bool) *zap.Logger {
	level := zap.InfoLevel
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)
	if verbose {
		level = zap.DebugLevel
		encCfg = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	if exportLogs {
		core = zapcore.NewTee(
			core,
			otelzap.NewCore(instrumentationScope, otelzap.WithLoggerProvider(global.GetLoggerProvider())),
		)
	}

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service.name", ServiceName)),
	)
}
