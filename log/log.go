// Package log provides the module-scoped contextual logger used across
// PISA's components. It mirrors the log15-derived logger klaytn and
// go-ethereum embed: a Logger is created once per module with
// NewModuleLogger and every call site attaches structured key/value
// context rather than formatting strings by hand.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
)

// Module identifies the subsystem a Logger is scoped to. Each PISA
// package that logs declares its own Module constant, the same way
// klaytn's storage/database declares log.StorageDatabase.
type Module string

const (
	BlockCache      Module = "blockcache"
	BlockProcessor  Module = "blockprocessor"
	Reducer         Module = "reducer"
	GasQueue        Module = "gasqueue"
	Responder       Module = "responder"
	ResponderWatch  Module = "responder/watch"
	ChainNtfn       Module = "chainntfn"
	StorageDatabase Module = "storage/database"
	Config          Module = "pisaconfig"
	CLI             Module = "cmd/pisawatch"
	RPCProvider     Module = "chain/rpcprovider"
)

type Level int

const (
	LvlCrit Level = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

var levelNames = [...]string{"CRIT", "ERROR", "WARN", "INFO", "DEBUG", "TRACE"}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "UNKNOWN"
}

var levelColor = [...]color.Attribute{
	color.FgRed,
	color.FgRed,
	color.FgYellow,
	color.FgGreen,
	color.FgCyan,
	color.FgBlue,
}

// Logger is the handle call sites hold. It is safe for concurrent use.
type Logger interface {
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	// Crit logs at CRIT and then terminates the process. Reserved for
	// cache/store invariant violations per the core's error design.
	Crit(msg string, ctx ...interface{})

	// New returns a child Logger with additional permanent context.
	New(ctx ...interface{}) Logger
}

var (
	mu       sync.Mutex
	out      io.Writer = colorable.NewColorableStdout()
	minLevel           = LvlInfo
)

// SetOutput redirects all log output; used by tests to capture records.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// SetLevel sets the minimum level that is emitted.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

type logger struct {
	module Module
	ctx    []interface{}
}

// NewModuleLogger returns the Logger for a given module, matching
// klaytn's log.NewModuleLogger(log.StorageDatabase) call-site idiom.
func NewModuleLogger(m Module) Logger {
	return &logger{module: m}
}

func (l *logger) New(ctx ...interface{}) Logger {
	merged := make([]interface{}, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return &logger{module: l.module, ctx: merged}
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(LvlTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }

func (l *logger) Crit(msg string, ctx ...interface{}) {
	l.write(LvlCrit, msg, ctx)
	os.Exit(1)
}

func (l *logger) write(lvl Level, msg string, ctx []interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if lvl > minLevel {
		return
	}

	c := color.New(levelColor[lvl]).SprintFunc()
	call := stack.Caller(2)

	fmt.Fprintf(out, "%s %s[%-5s]%s %-20s %s",
		time.Now().Format("2006-01-02T15:04:05-0700"),
		"", c(lvl.String()), "", l.module, msg)

	all := make([]interface{}, 0, len(l.ctx)+len(ctx))
	all = append(all, l.ctx...)
	all = append(all, ctx...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(out, " %v=%v", all[i], all[i+1])
	}
	fmt.Fprintf(out, " caller=%+v\n", call)
}
