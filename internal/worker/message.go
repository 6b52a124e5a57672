// Package worker runs tile services on a pool of background workers and
// correlates requests with their responses.
//
// A worker is a goroutine with its own mailbox. Everything crossing the
// boundary travels in a Message; byte slices inside requests and responses
// change owner when posted and must not be touched by the sender afterwards.
package worker

import (
	"errors"
	"fmt"
)

type MessageType string

const (
	MessageInitialized   MessageType = "initialized"
	MessageConfiguration MessageType = "configuration"
	MessageRequest       MessageType = "request"
	MessageResponse      MessageType = "response"
)

// ManagerServiceID addresses the service manager every worker starts with.
const ManagerServiceID = "worker-service-manager"

// CancelledReason is the error text of responses synthesized for requests
// that were pending when their service was destroyed.
const CancelledReason = "cancelled"

var (
	ErrCancelled          = errors.New("worker: request cancelled")
	ErrWorkerSetDestroyed = errors.New("worker: worker set destroyed")
	ErrNotStarted         = errors.New("worker: worker set not started")
	ErrConnectTimeout     = errors.New("worker: timed out waiting for workers to initialize")
	ErrChannelTerminated  = errors.New("worker: channel terminated")
)

// Message is the envelope exchanged between the pool and its workers.
type Message struct {
	Service   string
	Type      MessageType
	MessageID uint64

	Request  any
	Response any
	Error    string

	// Configuration payload.
	Theme   any
	Options map[string]any
}

func InitializedMessage(service string) Message {
	return Message{Service: service, Type: MessageInitialized}
}

func ConfigurationMessage(service string, theme any, options map[string]any) Message {
	return Message{Service: service, Type: MessageConfiguration, Theme: theme, Options: options}
}

// CreateServiceRequest asks the service manager to instantiate a service.
type CreateServiceRequest struct {
	TargetServiceType string
	TargetServiceID   string
}

// DestroyServiceRequest asks the service manager to destroy a service.
type DestroyServiceRequest struct {
	TargetServiceID string
}

// RemoteError is an error reported by a service in a response message.
type RemoteError struct {
	Service string
	Reason  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("worker: service %s: %s", e.Service, e.Reason)
}

func responseError(msg Message) error {
	if msg.Error == "" {
		return nil
	}
	if msg.Error == CancelledReason {
		return fmt.Errorf("service %s: %w", msg.Service, ErrCancelled)
	}
	return &RemoteError{Service: msg.Service, Reason: msg.Error}
}
