package models

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ErrMalformedMessage is returned for frames that are not valid JSON or miss required fields
var ErrMalformedMessage = errors.New("malformed message")

// MessageType is the discriminator of an inbound camera frame
type MessageType string

const (
	TypeNewDetection    MessageType = "new_detection"
	TypeNewBlur         MessageType = "new_blur"
	TypeNewTrespass     MessageType = "new_trespass"
	TypeNewFall         MessageType = "new_fall"
	TypeAnomalyStatus   MessageType = "anomaly_status"
	TypeSTMStatusUpdate MessageType = "stm_status_update"
	TypeModeChangeAck   MessageType = "mode_change_ack"
)

// Message is one decoded inbound frame. The concrete type is one of
// Detection, BlurEvent, TrespassEvent, FallEvent, AnomalyStatus, STMStatus,
// ModeChangeAck or Unknown.
type Message interface {
	Type() MessageType
}

// Detection is a PPE detection result
type Detection struct {
	PersonCount     int     `json:"person_count"`
	HelmetCount     int     `json:"helmet_count"`
	SafetyVestCount int     `json:"safety_vest_count"`
	AvgConfidence   float64 `json:"avg_confidence"`
	ImagePath       string  `json:"image_path"`
	Timestamp       string  `json:"timestamp"`
}

// CountEvent is the payload shared by blur, trespass and fall events
type CountEvent struct {
	Count     int    `json:"count"`
	Timestamp string `json:"timestamp"`
}

type BlurEvent struct{ CountEvent }

type TrespassEvent struct{ CountEvent }

type FallEvent struct{ CountEvent }

// Anomaly statuses
const (
	AnomalyDetected = "detected"
	AnomalyCleared  = "cleared"
)

// AnomalyStatus reports the sound anomaly detector state
type AnomalyStatus struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// STMStatus is the answer to a request_stm_status probe
type STMStatus struct {
	Temperature float64 `json:"temperature"`
	Light       float64 `json:"light"`
	BuzzerOn    bool    `json:"buzzer_on"`
	LedOn       bool    `json:"led_on"`
}

// ModeChangeAck acknowledges a set_mode command. Its fields are top level.
type ModeChangeAck struct {
	Status  string `json:"status"`
	Mode    string `json:"mode"`
	Message string `json:"message"`
}

// Unknown carries a discriminator this client does not understand
type Unknown struct {
	Discriminator string
}

func (Detection) Type() MessageType     { return TypeNewDetection }
func (BlurEvent) Type() MessageType     { return TypeNewBlur }
func (TrespassEvent) Type() MessageType { return TypeNewTrespass }
func (FallEvent) Type() MessageType     { return TypeNewFall }
func (AnomalyStatus) Type() MessageType { return TypeAnomalyStatus }
func (STMStatus) Type() MessageType     { return TypeSTMStatusUpdate }
func (ModeChangeAck) Type() MessageType { return TypeModeChangeAck }
func (u Unknown) Type() MessageType     { return MessageType(u.Discriminator) }

type envelope struct {
	Type    MessageType     `json:"type"`
	Data    json.RawMessage `json:"data"`
	Status  string          `json:"status"`
	Mode    string          `json:"mode"`
	Message string          `json:"message"`
}

// DecodeMessage decodes an inbound frame into its concrete message type
func DecodeMessage(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	switch env.Type {
	case TypeModeChangeAck:
		if env.Status == "" {
			return nil, fmt.Errorf("%w: %s without status", ErrMalformedMessage, env.Type)
		}
		return ModeChangeAck{Status: env.Status, Mode: env.Mode, Message: env.Message}, nil
	case TypeNewDetection:
		var d Detection
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		return d, nil
	case TypeNewBlur:
		var e CountEvent
		if err := decodeData(env, &e); err != nil {
			return nil, err
		}
		return BlurEvent{e}, nil
	case TypeNewTrespass:
		var e CountEvent
		if err := decodeData(env, &e); err != nil {
			return nil, err
		}
		return TrespassEvent{e}, nil
	case TypeNewFall:
		var e CountEvent
		if err := decodeData(env, &e); err != nil {
			return nil, err
		}
		return FallEvent{e}, nil
	case TypeAnomalyStatus:
		var a AnomalyStatus
		if err := decodeData(env, &a); err != nil {
			return nil, err
		}
		if a.Status == "" {
			return nil, fmt.Errorf("%w: %s without status", ErrMalformedMessage, env.Type)
		}
		return a, nil
	case TypeSTMStatusUpdate:
		var s STMStatus
		if err := decodeData(env, &s); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return Unknown{Discriminator: string(env.Type)}, nil
	}
}

func decodeData(env envelope, v any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%w: %s without data", ErrMalformedMessage, env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedMessage, env.Type, err)
	}
	return nil
}

// SetModeCommand is sent to every camera when the operating mode changes
type SetModeCommand struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

// NewSetModeCommand builds the set_mode command for a mode
func NewSetModeCommand(mode OperatingMode) SetModeCommand {
	return SetModeCommand{Type: "set_mode", Mode: mode.WireName()}
}

// StatusRequest is the health check probe
type StatusRequest struct {
	Type string `json:"type"`
}

// NewStatusRequest builds a request_stm_status probe
func NewStatusRequest() StatusRequest {
	return StatusRequest{Type: "request_stm_status"}
}

// PollStatusSuccess is the only poll response status that is processed
const PollStatusSuccess = "success"

// DetectionsResponse is the body of the detections poll endpoint
type DetectionsResponse struct {
	Status     string      `json:"status"`
	Detections []Detection `json:"detections"`
}

// PersonCountsResponse is the body of the person counts poll endpoint
type PersonCountsResponse struct {
	Status       string       `json:"status"`
	PersonCounts []CountEvent `json:"person_counts"`
}
