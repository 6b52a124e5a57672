package worker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ServiceManager creates and destroys services inside one worker on request.
type ServiceManager struct {
	scope     Scope
	factories map[string]HandlerFactory

	mu       sync.Mutex
	services map[string]*Service

	self *Service
}

func NewServiceManager(scope Scope, factories map[string]HandlerFactory) *ServiceManager {
	m := &ServiceManager{
		scope:     scope,
		factories: factories,
		services:  make(map[string]*Service),
	}
	m.self = NewService(ManagerServiceID, scope, m)
	return m
}

func (m *ServiceManager) HandleRequest(_ context.Context, request any) (any, error) {
	switch r := request.(type) {
	case CreateServiceRequest:
		return nil, m.createService(r)
	case DestroyServiceRequest:
		return nil, m.destroyService(r.TargetServiceID)
	default:
		return nil, fmt.Errorf("unknown request %T", request)
	}
}

func (m *ServiceManager) HandleMessage(msg Message) error {
	return fmt.Errorf("unexpected %s message", msg.Type)
}

func (m *ServiceManager) createService(r CreateServiceRequest) error {
	factory, ok := m.factories[r.TargetServiceType]
	if !ok {
		return fmt.Errorf("unknown service type %q", r.TargetServiceType)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.services[r.TargetServiceID]; exists {
		return fmt.Errorf("service %q already exists", r.TargetServiceID)
	}

	log := m.scope.Logger().With(zap.String("service", r.TargetServiceID))
	handler, err := factory(r.TargetServiceID, log)
	if err != nil {
		return fmt.Errorf("failed to create service %q: %w", r.TargetServiceID, err)
	}
	m.services[r.TargetServiceID] = NewService(r.TargetServiceID, m.scope, handler)
	log.Debug("Service created", zap.String("type", r.TargetServiceType))
	return nil
}

func (m *ServiceManager) destroyService(id string) error {
	m.mu.Lock()
	service, ok := m.services[id]
	delete(m.services, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown service %q", id)
	}
	service.Destroy()
	return nil
}

// Services returns the ids of the services currently hosted.
func (m *ServiceManager) Services() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.services))
	for id := range m.services {
		ids = append(ids, id)
	}
	return ids
}

func (m *ServiceManager) destroyAll() {
	m.mu.Lock()
	services := m.services
	m.services = make(map[string]*Service)
	m.mu.Unlock()

	for _, s := range services {
		s.Destroy()
	}
	m.self.Destroy()
}
