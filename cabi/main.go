package main

/*
#include <stdlib.h>
*/
import "C"

import (
	"encoding/json"
	"fmt"
	"sync"
	"unsafe"

	"github.com/openfluke/fieldbench/bench"
	"github.com/openfluke/fieldbench/config"
	"github.com/openfluke/fieldbench/detector"
	"github.com/openfluke/fieldbench/gpu"
	"github.com/openfluke/fieldbench/logging"
)

// Helper functions for JSON responses
func errJSON(msg string) *C.char {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return C.CString(string(b))
}

func asJSON(v interface{}) *C.char {
	data, err := json.Marshal(v)
	if err != nil {
		return errJSON(err.Error())
	}
	return C.CString(string(data))
}

var (
	cfgOnce sync.Once
	cfg     *config.Config
)

// settings reads FIELDBENCH_* variables and the optional config file once
// per process. A broken configuration falls back to the defaults.
func settings() *config.Config {
	cfgOnce.Do(func() {
		c, err := config.Load("", nil)
		if err != nil {
			c = config.DefaultConfig()
			logging.Get().WithError(err).Warn("using default configuration")
		}
		if err := logging.Init(c.Logging.Level, c.Logging.File, c.Logging.Console); err != nil {
			logging.Get().WithError(err).Warn("logging setup failed")
		}
		cfg = c
	})
	return cfg
}

func options() []bench.Option {
	c := settings()
	return []bench.Option{
		bench.WithBackend(c.Backend),
		bench.WithThreads(c.Threads),
		bench.WithDeviceIndex(c.Device),
		bench.WithValidation(c.Validation),
		bench.WithLogger(logging.Component("cabi")),
	}
}

// buffer views the caller's report storage; nil when there is no room.
func buffer(msg *C.char, capacity C.long) []byte {
	if msg == nil || capacity <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(msg)), int(capacity))
}

//export FieldBenchRunDefault
func FieldBenchRunDefault(shader *C.char, msg *C.char, capacity C.long) C.long {
	return C.long(bench.RunDefault(C.GoString(shader), buffer(msg, capacity), options()...))
}

//export FieldBenchRunWithParams
func FieldBenchRunWithParams(shader *C.char, points C.long, iters C.long, msg *C.char, capacity C.long) C.long {
	n := bench.RunWithParams(C.GoString(shader), int64(points), int64(iters), buffer(msg, capacity), options()...)
	return C.long(n)
}

// gpu_test is the legacy entry name kept for existing callers.
//
//export gpu_test
func gpu_test(shader *C.char, msg *C.char, capacity C.long) {
	bench.RunDefault(C.GoString(shader), buffer(msg, capacity), options()...)
}

//export FieldBenchDeviceInfo
func FieldBenchDeviceInfo(backend *C.char) *C.char {
	c := settings()
	name := c.Backend
	if backend != nil {
		if b := C.GoString(backend); b != "" {
			name = b
		}
	}
	rep, err := detector.DetectBackend(name, gpu.Options{
		Logger:      logging.Component("cabi"),
		DeviceIndex: c.Device,
	}, c.BudgetMB)
	if err != nil {
		return errJSON(fmt.Sprintf("detect %s: %v", name, err))
	}
	return asJSON(rep)
}

//export FreeFieldBenchString
func FreeFieldBenchString(str *C.char) {
	C.free(unsafe.Pointer(str))
}

func main() {}
