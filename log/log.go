// Package log provides module-scoped structured logging for feedmesh.
//
// Every package in this repository gets its own named logger via
// NewModuleLogger, in the same spirit as the teacher's
// "log.NewModuleLogger(log.<Module>)" convention: callers log key/value
// pairs rather than formatted strings, and the module name is attached to
// every line so a session's log stream can be filtered per component.
package log

import (
	"fmt"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module identifies the subsystem a logger belongs to.
type Module string

const (
	ModuleWire        Module = "wire"
	ModuleReplicator  Module = "replicator"
	ModuleDrive       Module = "drive"
	ModuleSupervisor  Module = "supervisor"
	ModuleDiscoverDHT Module = "discover"
	ModuleMDNS        Module = "mdns"
	ModuleConfig      Module = "config"
	ModuleCommon      Module = "common"
	ModuleFeed        Module = "feed"
	ModuleCmd         Module = "cmd"
)

// Lazy wraps a log field whose value is produced by Fn, named after the
// teacher's log.Lazy helper. resolve calls Fn on every logging call, at
// every level, so wrapping a value in Lazy does not skip its computation.
type Lazy struct {
	Fn func() interface{}
}

var (
	baseOnce   sync.Once
	baseLogger *zap.SugaredLogger
	colorOut   = colorable.NewColorableStdout()
)

func base() *zap.SugaredLogger {
	baseOnce.Do(func() {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = coloredLevelEncoder
		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.AddSync(colorOut),
			zapcore.DebugLevel,
		)
		baseLogger = zap.New(core).Sugar()
	})
	return baseLogger
}

func coloredLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	var c *color.Color
	switch level {
	case zapcore.DebugLevel:
		c = color.New(color.FgHiBlack)
	case zapcore.InfoLevel:
		c = color.New(color.FgGreen)
	case zapcore.WarnLevel:
		c = color.New(color.FgYellow)
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		c = color.New(color.FgRed)
	default:
		c = color.New(color.Reset)
	}
	enc.AppendString(c.Sprint(level.CapitalString()))
}

// Logger is the module-scoped handle returned by NewModuleLogger.
type Logger struct {
	module Module
	sugar  *zap.SugaredLogger
}

// NewModuleLogger returns a logger tagged with the given module name.
func NewModuleLogger(m Module) *Logger {
	return &Logger{module: m, sugar: base().With("module", string(m))}
}

func (l *Logger) resolve(kv []interface{}) []interface{} {
	out := make([]interface{}, 0, len(kv)+2)
	out = append(out, "caller", callsite())
	for i := 0; i < len(kv); i++ {
		if lz, ok := kv[i].(Lazy); ok {
			out = append(out, lz.Fn())
			continue
		}
		out = append(out, kv[i])
	}
	return out
}

func callsite() string {
	s := stack.Caller(2)
	return fmt.Sprintf("%v", s)
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.sugar.Debugw(msg, l.resolve(kv)...) }
func (l *Logger) Trace(msg string, kv ...interface{}) { l.sugar.Debugw(msg, l.resolve(kv)...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.sugar.Infow(msg, l.resolve(kv)...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.sugar.Warnw(msg, l.resolve(kv)...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.sugar.Errorw(msg, l.resolve(kv)...) }

func (l *Logger) Crit(msg string, kv ...interface{}) {
	l.sugar.Errorw(msg, l.resolve(kv)...)
	os.Exit(1)
}
