// Copyright 2020 Hewlett Packard Enterprise Development LP

// Package logger is the logging front-end shared by every package of the
// PR engine: a logrus-backed leveled logger writing through a rotating
// file hook, an optional TTY-aware console hook, and one-shot jaeger
// tracer initialization for deployments that report spans from the
// dispatch layer above this module.
package logger

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/opentracing/opentracing-go"
	log "github.com/sirupsen/logrus"
	"github.com/uber/jaeger-client-go/config"
	"golang.org/x/crypto/ssh/terminal"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultLevel    = "info"
	DefaultFormat   = TextFormat
	DefaultMaxFiles = 10
	MaxFilesLimit   = 20
	DefaultMaxSize  = 100  // in MB
	MaxSizeLimit    = 1024 // in MB
	JSONFormat      = "json"
	TextFormat      = "text"
)

// Params configures the logging back-end. The zero value plus Init's
// defaulting yields an info-level text logger with 10 rotated files of
// 100 MB each.
type Params struct {
	Level      string
	File       string
	MaxFiles   int
	MaxSizeMiB int
	Format     string
}

var (
	params    Params
	initMutex sync.Mutex
)

func (p Params) level() string {
	switch p.Level {
	case "trace", "debug", "info", "warn", "error":
		return p.Level
	}
	return DefaultLevel
}

func (p Params) format() string {
	switch p.Format {
	case JSONFormat, TextFormat:
		return p.Format
	}
	return DefaultFormat
}

func (p Params) maxFiles() int {
	if p.MaxFiles == 0 || p.MaxFiles > MaxFilesLimit {
		return DefaultMaxFiles
	}
	return p.MaxFiles
}

func (p Params) maxSize() int {
	if p.MaxSizeMiB == 0 || p.MaxSizeMiB > MaxSizeLimit {
		return DefaultMaxSize
	}
	return p.MaxSizeMiB
}

func (p Params) formatter() log.Formatter {
	if p.format() == JSONFormat {
		return &log.JSONFormatter{}
	}
	return &log.TextFormatter{FullTimestamp: true}
}

func updateParamsFromEnv() {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		params.Level = level
	}
	if file := os.Getenv("LOG_FILE"); file != "" {
		params.File = file
	}
	if maxSize := os.Getenv("LOG_MAX_SIZE"); maxSize != "" {
		if size, err := strconv.ParseInt(maxSize, 0, 0); err == nil {
			params.MaxSizeMiB = int(size)
		}
	}
	if maxFiles := os.Getenv("LOG_MAX_FILES"); maxFiles != "" {
		if count, err := strconv.ParseInt(maxFiles, 0, 0); err == nil {
			params.MaxFiles = int(count)
		}
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		params.Format = format
	}
}

// InitOpentracing builds a jaeger tracer reporting spans for service.
// The caller owns the returned closer.
func InitOpentracing(service string) (opentracing.Tracer, io.Closer) {
	cfg := &config.Configuration{
		ServiceName: service,
		Sampler: &config.SamplerConfig{
			Type:  "const",
			Param: 1,
		},
		Reporter: &config.ReporterConfig{
			LogSpans: true,
		},
	}
	tracer, closer, err := cfg.NewTracer()
	if err != nil {
		panic(fmt.Sprintf("ERROR: cannot init tracing: %v\n", err))
	}
	return tracer, closer
}

// Init initializes logging for the process: file hook (if logFile or
// p.File names one), optional console hook, level/format/rotation per p
// with environment overrides applied last. If initTracing is set, a
// jaeger tracer for the engine is installed as the opentracing global;
// the returned closer flushes it and is nil otherwise.
func Init(logFile string, p *Params, alsoLogToStderr bool, initTracing bool) (io.Closer, error) {
	initMutex.Lock()
	defer initMutex.Unlock()

	if p == nil {
		params = Params{
			Level:      DefaultLevel,
			MaxSizeMiB: DefaultMaxSize,
			MaxFiles:   DefaultMaxFiles,
			Format:     DefaultFormat,
		}
	} else {
		params = *p
	}
	if logFile != "" {
		params.File = logFile
	}
	updateParamsFromEnv()

	// No output except through the hooks.
	log.SetOutput(ioutil.Discard)
	log.StandardLogger().ReplaceHooks(make(log.LevelHooks))

	if params.File != "" {
		log.AddHook(newFileHook())
	}
	if alsoLogToStderr {
		log.AddHook(newConsoleHook())
	}

	level, err := log.ParseLevel(params.level())
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)

	log.WithFields(log.Fields{
		"logLevel":        log.GetLevel().String(),
		"logFileLocation": params.File,
		"alsoLogToStderr": alsoLogToStderr,
	}).Info("Initialized logging.")

	if initTracing {
		tracer, closer := InitOpentracing("scsi-pr-engine")
		opentracing.SetGlobalTracer(tracer)
		return closer, nil
	}
	return nil, nil
}

// consoleHook writes entries to stdout/stderr, with colors when the
// stream is a terminal.
type consoleHook struct {
	formatter log.Formatter
}

func newConsoleHook() *consoleHook {
	return &consoleHook{params.formatter()}
}

func (hook *consoleHook) Levels() []log.Level {
	return log.AllLevels
}

func (hook *consoleHook) checkIfTerminal(w io.Writer) bool {
	switch v := w.(type) {
	case *os.File:
		return terminal.IsTerminal(int(v.Fd()))
	default:
		return false
	}
}

func (hook *consoleHook) Fire(entry *log.Entry) error {
	var logWriter io.Writer
	switch entry.Level {
	case log.ErrorLevel, log.FatalLevel, log.PanicLevel:
		logWriter = os.Stderr
	default:
		logWriter = os.Stdout
	}

	if tf, ok := hook.formatter.(*log.TextFormatter); ok {
		// https://github.com/sirupsen/logrus/issues/172
		if runtime.GOOS != "windows" {
			tf.ForceColors = hook.checkIfTerminal(logWriter)
		}
	}

	lineBytes, err := hook.formatter.Format(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to read entry, %v", err)
		return err
	}
	logWriter.Write(lineBytes)
	return nil
}

// fileHook writes entries to the configured log file, rotated by
// lumberjack.
type fileHook struct {
	formatter log.Formatter
	logWriter io.Writer
}

func newFileHook() *fileHook {
	return &fileHook{
		formatter: params.formatter(),
		logWriter: &lumberjack.Logger{
			Filename:   params.File,
			MaxSize:    params.maxSize(),
			MaxBackups: params.maxFiles(),
			MaxAge:     30,
			Compress:   true,
		},
	}
}

func (hook *fileHook) Levels() []log.Level {
	return log.AllLevels
}

func (hook *fileHook) Fire(entry *log.Entry) error {
	lineBytes, err := hook.formatter.Format(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not read log entry. %v", err)
		return err
	}
	hook.logWriter.Write(lineBytes)
	return nil
}

// sourced adds a source field to the entry that names the file and line
// where the logging happened.
func sourced() *log.Entry {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		file = "<???>"
		line = 1
	} else {
		slash := strings.LastIndex(file, "/")
		file = file[slash+1:]
	}
	return log.WithField("file", fmt.Sprintf("%s:%d", file, line))
}

// Tracef logs a message at level Trace on the standard logger.
func Tracef(format string, args ...interface{}) {
	sourced().Tracef(format, args...)
}

// Debugf logs a message at level Debug on the standard logger.
func Debugf(format string, args ...interface{}) {
	sourced().Debugf(format, args...)
}

// Infof logs a message at level Info on the standard logger.
func Infof(format string, args ...interface{}) {
	sourced().Infof(format, args...)
}

// Warnf logs a message at level Warn on the standard logger.
func Warnf(format string, args ...interface{}) {
	sourced().Warnf(format, args...)
}

// Warnln logs a message at level Warn on the standard logger.
func Warnln(args ...interface{}) {
	sourced().Warnln(args...)
}

// Errorf logs a message at level Error on the standard logger.
func Errorf(format string, args ...interface{}) {
	sourced().Errorf(format, args...)
}
