package api

import (
	"github.com/vtpl1/safetynet/models"
)

// CameraRequest is the body of POST /cameras
type CameraRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port,omitempty"`
}

func (r CameraRequest) Camera() models.Camera {
	return models.Camera{Name: r.Name, Address: r.Address, Port: r.Port}
}

// URLResult carries a resolved stream or image url
type URLResult struct {
	URL string `json:"url"`
}

// RoundResult is returned when a health round is started
type RoundResult struct {
	Round uint64 `json:"round"`
}

// CommandStatus answers a websocket command
type CommandStatus struct {
	CommandID string `json:"commandId"`
	Command   string `json:"command"`
	Status    string `json:"status"`
	Round     uint64 `json:"round,omitempty"`
}
