package domain

import (
	"strings"
	"time"
)

type EventType string

const (
	EventCallStarted  EventType = "call.started"
	EventCallAnswered EventType = "call.answered"
	EventCallEnded    EventType = "call.ended"
)

// CallEvent é um evento de ciclo de vida vindo da telefonia.
// Cada tipo concreto é validado uma vez, na borda.
type CallEvent interface {
	Type() EventType
	Validate() error
}

type CallStarted struct {
	CallID         CallID
	StoreID        StoreID
	ExternalCallID string
	At             time.Time
}

type CallAnswered struct {
	CallID CallID
}

type CallEnded struct {
	CallID CallID
	// StoreID é opcional; sem ele a loja é achada pelo índice de chamadas.
	StoreID StoreID
	Reason  EndReason
	At      time.Time
}

func (CallStarted) Type() EventType  { return EventCallStarted }
func (CallAnswered) Type() EventType { return EventCallAnswered }
func (CallEnded) Type() EventType    { return EventCallEnded }

func (e CallStarted) Validate() error {
	if strings.TrimSpace(string(e.CallID)) == "" {
		return NewError(CodeInvalidArgument, "call_id is required")
	}
	if strings.TrimSpace(string(e.StoreID)) == "" {
		return NewError(CodeInvalidArgument, "store_id is required")
	}
	return nil
}

func (e CallAnswered) Validate() error {
	if strings.TrimSpace(string(e.CallID)) == "" {
		return NewError(CodeInvalidArgument, "call_id is required")
	}
	return nil
}

func (e CallEnded) Validate() error {
	if strings.TrimSpace(string(e.CallID)) == "" {
		return NewError(CodeInvalidArgument, "call_id is required")
	}
	return nil
}

// AdminAction é uma ação de intervenção do operador.
type AdminAction string

const (
	ActionForceHangup  AdminAction = "force_hangup"
	ActionClearQueue   AdminAction = "clear_queue"
	ActionTransferCall AdminAction = "transfer_call"
)

// AdminCommand é o comando administrativo; os campos exigidos dependem de Action.
type AdminCommand struct {
	Action       AdminAction `json:"action"`
	CallID       CallID      `json:"call_id,omitempty"`
	StoreID      StoreID     `json:"store_id,omitempty"`
	TargetNumber string      `json:"target_number,omitempty"`
}

func (c AdminCommand) Validate() error {
	switch c.Action {
	case ActionForceHangup:
		if strings.TrimSpace(string(c.CallID)) == "" {
			return NewError(CodeInvalidArgument, "force_hangup requires call_id")
		}
	case ActionClearQueue:
		if strings.TrimSpace(string(c.StoreID)) == "" {
			return NewError(CodeInvalidArgument, "clear_queue requires store_id")
		}
	case ActionTransferCall:
		if strings.TrimSpace(string(c.CallID)) == "" {
			return NewError(CodeInvalidArgument, "transfer_call requires call_id")
		}
		if strings.TrimSpace(c.TargetNumber) == "" {
			return NewError(CodeInvalidArgument, "transfer_call requires target_number")
		}
	default:
		return NewError(CodeInvalidArgument, "unknown action %q", c.Action)
	}
	return nil
}

// ActionResult é a resposta de sucesso de um comando administrativo.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
