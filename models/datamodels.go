// Package models contains all the data models
package models

import "time"

// Function is the category column of a log entry
type Function string

const (
	FunctionSystem     Function = "System"
	FunctionPPE        Function = "PPE"
	FunctionBlur       Function = "Blur"
	FunctionTrespass   Function = "Trespass"
	FunctionFall       Function = "Fall"
	FunctionAnomaly    Function = "Anomaly"
	FunctionHealth     Function = "Health"
	FunctionEscalation Function = "Escalation"
)

// SystemCamera is the camera name used by entries not tied to a camera
const SystemCamera = "System"

// LogEntry represents one row of the event log. It is never modified after creation.
type LogEntry struct {
	ID            string    `json:"id" bson:"_id"`
	CameraName    string    `json:"camera" bson:"camera"`
	Function      Function  `json:"function" bson:"function"`
	Event         string    `json:"event" bson:"event"`
	ImagePath     string    `json:"imagePath,omitempty" bson:"imagePath,omitempty"`
	Details       string    `json:"details,omitempty" bson:"details,omitempty"`
	Date          string    `json:"date" bson:"date"`
	Time          string    `json:"time" bson:"time"`
	Zone          int       `json:"zone" bson:"zone"`
	CameraAddress string    `json:"cameraAddress,omitempty" bson:"cameraAddress,omitempty"`
	CreatedAt     time.Time `json:"createdAt" bson:"createdAt"`
}

// NotificationKind separates escalations from server rejections
type NotificationKind string

const (
	NotificationEscalation NotificationKind = "escalation"
	NotificationWarning    NotificationKind = "warning"
)

// Notification is a non-modal alert shown next to the log. An escalation is
// published twice when it carries an image: once immediately and once when
// the image fetch completes.
type Notification struct {
	ID            string           `json:"id"`
	Kind          NotificationKind `json:"kind"`
	CameraName    string           `json:"camera"`
	CameraAddress string           `json:"cameraAddress,omitempty"`
	Text          string           `json:"text"`
	ImageURL      string           `json:"imageUrl,omitempty"`
	Image         []byte           `json:"image,omitempty"`
	ImageError    string           `json:"imageError,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// ModeState represents the mode toggles as seen by the UI
type ModeState struct {
	Active  OperatingMode          `json:"active"`
	Toggles map[OperatingMode]bool `json:"toggles"`
}

// Response is the envelope of every api response
type Response struct {
	ReturnValue string `json:"returnValue"`
	Code        int    `json:"code"`
	Status      int    `json:"status"`
	Description string `json:"description"`
	Message     string `json:"message"`
	Result      any    `json:"result,omitempty"`
}

// NewResponse creates a successful Response carrying result
func NewResponse(result any) Response {
	return Response{
		ReturnValue: "SUCCESS",
		Code:        0,
		Status:      200,
		Description: "OK",
		Message:     "Successfully Retrieved!",
		Result:      result,
	}
}

// NewErrorResponse creates a failed Response
func NewErrorResponse(status int, err error) Response {
	return Response{
		ReturnValue: "FAILURE",
		Code:        1,
		Status:      status,
		Description: "ERROR",
		Message:     err.Error(),
	}
}

// Command represents a command received on the events websocket
type Command struct {
	CommandID string `json:"commandId"`
	Command   string `json:"command"`
	Mode      string `json:"mode,omitempty"`
}
