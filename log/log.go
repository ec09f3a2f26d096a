package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"
)

var (
	stdLogFlags     = log.LstdFlags | log.Lshortfile | log.LUTC
	outputCallDepth = 2

	debug uint32

	DebugLogger = log.New(os.Stderr, "DEBUG: ", stdLogFlags)
	InfoLogger  = log.New(os.Stderr, "INFO: ", stdLogFlags)
	ErrorLogger = log.New(os.Stderr, "ERROR: ", stdLogFlags)
	FatalLogger = log.New(os.Stderr, "FATAL: ", log.LstdFlags|log.Llongfile|log.LUTC)
)

func init() {
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		s := <-c
		Infof("Obtained signal %q. Terminating...", s)
		time.Sleep(time.Second)
		os.Exit(0)
	}()
}

// SetDebug enables or disables debug logging.
func SetDebug(val bool) {
	if val {
		atomic.StoreUint32(&debug, 1)
	} else {
		atomic.StoreUint32(&debug, 0)
	}
}

// SuppressOutput suppresses all output from logs if `suppress` is true.
// Used in tests.
func SuppressOutput(suppress bool) {
	if suppress {
		DebugLogger.SetOutput(io.Discard)
		InfoLogger.SetOutput(io.Discard)
		ErrorLogger.SetOutput(io.Discard)
	} else {
		DebugLogger.SetOutput(os.Stderr)
		InfoLogger.SetOutput(os.Stderr)
		ErrorLogger.SetOutput(os.Stderr)
	}
}

// Debugf prints debug message according to a format.
func Debugf(format string, args ...interface{}) {
	if atomic.LoadUint32(&debug) == 0 {
		return
	}
	s := fmt.Sprintf(format, args...)
	DebugLogger.Output(outputCallDepth, s)
}

// Infof prints info message according to a format.
func Infof(format string, args ...interface{}) {
	s := fmt.Sprintf(format, args...)
	InfoLogger.Output(outputCallDepth, s)
}

// Errorf prints error message according to a format.
func Errorf(format string, args ...interface{}) {
	s := fmt.Sprintf(format, args...)
	ErrorLogger.Output(outputCallDepth, s)
}

// ErrorWithCallDepth prints err into error log using the given callDepth.
func ErrorWithCallDepth(err error, callDepth int) {
	ErrorLogger.Output(outputCallDepth+callDepth, err.Error())
}

// Fatalf prints fatal message according to a format and exits program.
func Fatalf(format string, args ...interface{}) {
	s := fmt.Sprintf(format, args...)
	FatalLogger.Output(outputCallDepth, s)
	os.Exit(1)
}
