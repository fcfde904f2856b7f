// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backends

import (
	"errors"
	"fmt"
	"sync"
)

// ErrManagerClosed is returned by a SessionManager after Close.
var ErrManagerClosed = errors.New("session manager is closed")

// SessionManager hands out session factories across multiple backends.
// It caches at most one factory per backend type (lazy-created).
//
// Usage:
//
//	manager := backends.NewSessionManager()
//	defer manager.Close()
//
//	manager.SetPriority([]BackendSpec{
//	    {Backend: BackendONNX, Device: DeviceCUDA},
//	    {Backend: BackendGo},
//	})
//
//	factory, backend, err := manager.GetSessionFactoryForModel(nil)
type SessionManager struct {
	factories map[BackendType]SessionFactory
	priority  []BackendSpec // Configured priority with device preferences
	mu        sync.RWMutex
	closed    bool
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		factories: make(map[BackendType]SessionFactory),
	}
}

// SetPriority configures the backend priority order with device preferences.
func (sm *SessionManager) SetPriority(priority []BackendSpec) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.priority = make([]BackendSpec, len(priority))
	copy(sm.priority, priority)
}

// Priority returns the configured priority or the global default.
func (sm *SessionManager) Priority() []BackendSpec {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.getPriority()
}

// getPriority must be called with sm.mu held.
func (sm *SessionManager) getPriority() []BackendSpec {
	if len(sm.priority) > 0 {
		result := make([]BackendSpec, len(sm.priority))
		copy(result, sm.priority)
		return result
	}

	// Fall back to global priority (BackendType only, DeviceAuto)
	globalPriority := GetPriority()
	result := make([]BackendSpec, len(globalPriority))
	for i, bt := range globalPriority {
		result[i] = BackendSpec{Backend: bt, Device: DeviceAuto}
	}
	return result
}

// GetSessionFactory returns a SessionFactory for the specified backend.
// Returns an error if the backend is unregistered or unavailable.
func (sm *SessionManager) GetSessionFactory(backend BackendType) (SessionFactory, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.closed {
		return nil, ErrManagerClosed
	}

	if factory, ok := sm.factories[backend]; ok {
		return factory, nil
	}

	b, ok := GetBackend(backend)
	if !ok {
		return nil, fmt.Errorf("backend %q not registered", backend)
	}

	if !b.Available() {
		return nil, fmt.Errorf("backend %q not available", backend)
	}

	factory := b.SessionFactory()
	sm.factories[backend] = factory
	return factory, nil
}

// GetSessionFactoryForModel returns a SessionFactory for loading a model,
// respecting backend restrictions. Tries backends in priority order.
// If modelBackends is empty, every backend is allowed. Entries use the
// "backend[:device]" syntax; a device given there overrides an automatic
// device in the priority list.
// Returns the factory, the backend type that was used, and the session
// options implied by the chosen device.
func (sm *SessionManager) GetSessionFactoryForModel(modelBackends []string) (SessionFactory, BackendType, []SessionOption, error) {
	sm.mu.RLock()
	priority := sm.getPriority()
	sm.mu.RUnlock()

	allowed := modelBackendDevices(modelBackends)

	var lastErr error
	for _, spec := range priority {
		device := spec.Device
		if len(modelBackends) > 0 {
			modelDevice, ok := allowed[spec.Backend]
			if !ok {
				continue
			}
			if device == DeviceAuto || device == "" {
				device = modelDevice
			}
		}

		factory, err := sm.GetSessionFactory(spec.Backend)
		if err == nil {
			var opts []SessionOption
			if device != DeviceAuto && device != "" {
				opts = append(opts, WithSessionGPUMode(device.ToGPUMode()))
			}
			return factory, spec.Backend, opts, nil
		}
		if errors.Is(err, ErrManagerClosed) {
			return nil, "", nil, err
		}
		lastErr = err
	}

	if lastErr != nil {
		if len(modelBackends) > 0 {
			return nil, "", nil, fmt.Errorf("no session factory for backends %v: %w", modelBackends, lastErr)
		}
		return nil, "", nil, fmt.Errorf("no session factory available: %w", lastErr)
	}

	if len(modelBackends) > 0 {
		return nil, "", nil, fmt.Errorf("no session factory for backends %v", modelBackends)
	}
	return nil, "", nil, errors.New("no session factory available")
}

// modelBackendDevices maps each allowed backend to its requested device.
// Entries that do not parse as a backend spec are kept as raw backend names.
func modelBackendDevices(modelBackends []string) map[BackendType]DeviceType {
	allowed := make(map[BackendType]DeviceType, len(modelBackends))
	for _, b := range modelBackends {
		spec, err := ParseBackendSpec(b)
		if err != nil {
			spec = BackendSpec{Backend: BackendType(b), Device: DeviceAuto}
		}
		if _, seen := allowed[spec.Backend]; !seen {
			allowed[spec.Backend] = spec.Device
		}
	}
	return allowed
}

// CreateSession opens modelPath with the first usable backend.
func (sm *SessionManager) CreateSession(modelPath string, modelBackends []string, opts ...SessionOption) (Session, BackendType, error) {
	factory, backendType, deviceOpts, err := sm.GetSessionFactoryForModel(modelBackends)
	if err != nil {
		return nil, "", err
	}
	session, err := factory.CreateSession(modelPath, append(deviceOpts, opts...)...)
	if err != nil {
		return nil, "", fmt.Errorf("creating session with %s backend: %w", backendType, err)
	}
	return session, backendType, nil
}

// HasFactory returns true if a factory has been created for the given backend.
func (sm *SessionManager) HasFactory(backend BackendType) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.factories[backend]
	return ok
}

// ActiveBackends returns the list of backends with active factories.
func (sm *SessionManager) ActiveBackends() []BackendType {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	backends := make([]BackendType, 0, len(sm.factories))
	for t := range sm.factories {
		backends = append(backends, t)
	}
	return backends
}

// Close releases all managed resources.
// After Close, the SessionManager cannot be reused.
func (sm *SessionManager) Close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.closed {
		return nil
	}

	// Sessions are owned by their callers; only the factory cache is dropped.
	sm.factories = nil
	sm.closed = true

	return nil
}
