package admission

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"callgate/admission/domain"
)

// maxBody limita o corpo aceito nos endpoints JSON.
const maxBody = 64 << 10

// eventDTO é o envelope de um webhook da telefonia; "type" escolhe o evento.
type eventDTO struct {
	Type           domain.EventType `json:"type"`
	CallID         domain.CallID    `json:"call_id"`
	StoreID        domain.StoreID   `json:"store_id"`
	ExternalCallID string           `json:"external_call_id"`
	Reason         domain.EndReason `json:"reason"`
	At             *time.Time       `json:"at"`
}

// decisionDTO é a resposta do call.started.
type decisionDTO struct {
	Decision             domain.Outcome `json:"decision"`
	Position             int            `json:"position,omitempty"`
	EstimatedWaitSeconds int            `json:"estimated_wait_seconds,omitempty"`
	Reason               domain.Code    `json:"reason,omitempty"`
	Plan                 string         `json:"plan,omitempty"`
}

// endReasons aceitos vindos da telefonia; os demais são internos.
var endReasons = map[domain.EndReason]bool{
	domain.EndHangup:    true,
	domain.EndAbandoned: true,
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.WrapError(domain.CodeInvalidArgument, "invalid JSON body", err)
	}
	return nil
}

// decodeEvent transforma o envelope no evento concreto e valida.
func decodeEvent(r *http.Request, now time.Time) (domain.CallEvent, error) {
	var dto eventDTO
	if err := decodeJSON(r, &dto); err != nil {
		return nil, err
	}
	at := now
	if dto.At != nil && !dto.At.IsZero() {
		at = *dto.At
	}

	var ev domain.CallEvent
	switch dto.Type {
	case domain.EventCallStarted:
		ev = domain.CallStarted{
			CallID:         dto.CallID,
			StoreID:        dto.StoreID,
			ExternalCallID: dto.ExternalCallID,
			At:             at,
		}
	case domain.EventCallAnswered:
		ev = domain.CallAnswered{CallID: dto.CallID}
	case domain.EventCallEnded:
		reason := dto.Reason
		if reason == "" {
			reason = domain.EndHangup
		}
		if !endReasons[reason] {
			return nil, domain.NewError(domain.CodeInvalidArgument, "unsupported end reason %q", dto.Reason)
		}
		ev = domain.CallEnded{CallID: dto.CallID, StoreID: dto.StoreID, Reason: reason, At: at}
	case "":
		return nil, domain.NewError(domain.CodeInvalidArgument, "event type is required")
	default:
		return nil, domain.NewError(domain.CodeInvalidArgument, "unknown event type %q", dto.Type)
	}

	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func toDecisionDTO(d domain.Decision) decisionDTO {
	return decisionDTO{
		Decision:             d.Outcome,
		Position:             d.Position,
		EstimatedWaitSeconds: int(d.EstimatedWait.Seconds()),
		Reason:               d.Reason,
		Plan:                 d.Plan.ID,
	}
}
