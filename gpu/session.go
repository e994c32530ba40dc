package gpu

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type resource interface {
	destroy()
}

// Session owns one driver (instance, device, compute queue and command
// pool) plus every Buffer and Pipeline created against it. Close tears down
// what the caller has not already released.
type Session struct {
	drv Driver
	log logrus.FieldLogger

	mu        sync.Mutex
	resources []resource
	closed    bool
}

// NewSession wraps an already created driver.
func NewSession(drv Driver, log logrus.FieldLogger) *Session {
	if log == nil {
		log = logrus.StandardLogger()
	}
	info := drv.Info()
	log = log.WithFields(logrus.Fields{"backend": info.Backend, "device": info.Name})
	log.Debug("gpu session opened")
	return &Session{drv: drv, log: log}
}

// Driver exposes the underlying backend driver.
func (s *Session) Driver() Driver { return s.drv }

// Info identifies the device.
func (s *Session) Info() DeviceInfo { return s.drv.Info() }

// MemoryTypes returns the device memory type table.
func (s *Session) MemoryTypes() []MemoryType {
	types, _ := s.drv.MemoryProperties()
	return types
}

// Logger returns the session logger.
func (s *Session) Logger() logrus.FieldLogger { return s.log }

// BeginCommands starts recording a command buffer.
func (s *Session) BeginCommands() (CommandBuffer, error) {
	if s.isClosed() {
		return nil, errorf(RuntimeDeviceError, "begin commands", "session closed")
	}
	cmd, err := s.drv.BeginCommandBuffer()
	if err != nil {
		return nil, newError(RuntimeDeviceError, "begin commands", err)
	}
	return cmd, nil
}

// Submit ends cmd, executes it and waits for completion.
func (s *Session) Submit(cmd CommandBuffer) error {
	if s.isClosed() {
		return errorf(RuntimeDeviceError, "submit", "session closed")
	}
	if err := cmd.End(); err != nil {
		return newError(RuntimeDeviceError, "end commands", err)
	}
	if err := s.drv.Submit(cmd); err != nil {
		return newError(RuntimeDeviceError, "submit", err)
	}
	return nil
}

// DebugInfo describes the device and its memory types.
func (s *Session) DebugInfo() string {
	info := s.drv.Info()
	types, heaps := s.drv.MemoryProperties()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Device: %s (%s, %s backend)\n", info.Name, info.Type, info.Backend)
	fmt.Fprintf(&sb, "Vendor: 0x%04x Device: 0x%04x\n", info.VendorID, info.DeviceID)
	if info.API != "" || info.Driver != "" {
		fmt.Fprintf(&sb, "API: %s Driver: %s\n", info.API, info.Driver)
	}
	for i, h := range heaps {
		fmt.Fprintf(&sb, "Heap %d: %d MiB device-local=%t\n", i, h.Size>>20, h.DeviceLocal)
	}
	for i, t := range types {
		fmt.Fprintf(&sb, "Memory type %d: heap %d %s\n", i, t.HeapIndex, t.Properties)
	}
	return sb.String()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) track(r resource) {
	s.mu.Lock()
	s.resources = append(s.resources, r)
	s.mu.Unlock()
}

func (s *Session) untrack(r resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, have := range s.resources {
		if have == r {
			s.resources = append(s.resources[:i], s.resources[i+1:]...)
			return
		}
	}
}

// Close waits for the device to go idle, destroys the remaining pipelines and
// buffers in reverse creation order, then the driver.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	pending := s.resources
	s.resources = nil
	s.mu.Unlock()

	if err := s.drv.WaitIdle(); err != nil {
		s.log.WithError(err).Warn("wait idle before close failed")
	}
	if len(pending) > 0 {
		s.log.WithField("count", len(pending)).Debug("releasing resources left open")
	}
	for i := len(pending) - 1; i >= 0; i-- {
		pending[i].destroy()
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if err := s.drv.Close(); err != nil {
		return newError(RuntimeDeviceError, "close", err)
	}
	s.log.Debug("gpu session closed")
	return nil
}
