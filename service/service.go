// Package service implements the L4 microservice framework (§4.5): a
// factory registry, an instance manager with idempotent start/stop, and a
// small set of reference microservices (echo, dgramecho, forward, socks)
// that satisfy the literal test scenarios in §8 and the ssf.services config
// surface.
package service

import (
	"sync"

	"github.com/5l1v3r1/ssf/fiber"
	"github.com/5l1v3r1/ssf/sserr"
	"github.com/5l1v3r1/ssf/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Instance is a running (or starting/stopping) microservice.
type Instance interface {
	Start(callback func(error))
	Stop(callback func(error))
	ServiceID() string
}

// Factory produces Instances for one factory-id. demux is the fiber demux
// the instance should open/accept fibers on.
type Factory interface {
	New(demux *fiber.Demux, params map[string]interface{}) (Instance, error)
}

// Status mirrors §3's Microservice record lifecycle.
type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusStarting  Status = "STARTING"
	StatusRunning   Status = "RUNNING"
	StatusStopping  Status = "STOPPING"
	StatusStopped   Status = "STOPPED"
	StatusFailed    Status = "FAILED"
)

type record struct {
	instanceID string
	factoryID  string
	instance   Instance
	status     Status
}

// Manager is the server-side registry of factories and the instances
// created from them; it implements admin.ServiceManager.
type Manager struct {
	demux *fiber.Demux

	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]*record
}

func NewManager(demux *fiber.Demux) *Manager {
	return &Manager{
		demux:     demux,
		factories: make(map[string]Factory),
		instances: make(map[string]*record),
	}
}

// Register adds a factory under factoryID. Call before CreateService can
// reference it; mirrors the teacher's proxy.RegisterClient/RegisterServer
// registry pattern, generalized from a global map to a per-Manager one
// (§9 DESIGN NOTES: "global singletons become explicit builder objects").
func (m *Manager) Register(factoryID string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[factoryID] = f
}

// CreateService instantiates factoryID and starts it. A failed start is
// reported to the caller and the instance is not retained (§4.5).
func (m *Manager) CreateService(factoryID string, params map[string]interface{}) (string, error) {
	m.mu.Lock()
	f, ok := m.factories[factoryID]
	m.mu.Unlock()
	if !ok {
		return "", utils.ErrInErr{ErrDesc: "unknown factory-id", ErrDetail: sserr.ErrServiceStartFailed, Data: factoryID}
	}

	inst, err := f.New(m.demux, params)
	if err != nil {
		return "", utils.ErrInErr{ErrDesc: "factory failed to construct instance", ErrDetail: sserr.ErrServiceStartFailed, Data: err}
	}

	instanceID := uuid.NewString()
	rec := &record{instanceID: instanceID, factoryID: factoryID, instance: inst, status: StatusStarting}

	startErr := make(chan error, 1)
	inst.Start(func(err error) { startErr <- err })
	err = <-startErr

	if err != nil {
		if ce := utils.CanLogErr("service start failed"); ce != nil {
			ce.Write(zap.String("factory", factoryID), zap.Error(err))
		}
		return "", utils.ErrInErr{ErrDesc: "service start failed", ErrDetail: sserr.ErrServiceStartFailed, Data: err}
	}

	rec.status = StatusRunning
	m.mu.Lock()
	m.instances[instanceID] = rec
	m.mu.Unlock()
	return instanceID, nil
}

// StopService is idempotent: stopping an already-stopped or unknown
// instance is not an error (§4.5).
func (m *Manager) StopService(instanceID string) error {
	m.mu.Lock()
	rec, ok := m.instances[instanceID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	rec.status = StatusStopping
	done := make(chan error, 1)
	rec.instance.Stop(func(err error) { done <- err })
	err := <-done

	rec.status = StatusStopped
	if err != nil {
		rec.status = StatusFailed
	}

	m.mu.Lock()
	delete(m.instances, instanceID)
	m.mu.Unlock()
	return err
}

func (m *Manager) ServiceStatus(instanceID string) (string, error) {
	m.mu.Lock()
	rec, ok := m.instances[instanceID]
	m.mu.Unlock()
	if !ok {
		return string(StatusStopped), nil
	}
	return string(rec.status), nil
}
