// Package registry keeps the ordered list of registered cameras.
package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/vtpl1/safetynet/models"
)

var (
	ErrInvalidCamera    = errors.New("camera name and address are required")
	ErrInvalidPort      = errors.New("camera port must be between 1 and 65535")
	ErrDuplicateName    = errors.New("camera name already registered")
	ErrDuplicateAddress = errors.New("camera address already registered")
	ErrIndexOutOfRange  = errors.New("camera index out of range")
)

// ChangeKind tells subscribers what happened to the registry
type ChangeKind int

const (
	Added ChangeKind = iota
	Removed
)

func (k ChangeKind) String() string {
	if k == Added {
		return "added"
	}
	return "removed"
}

// Change is delivered to subscribers after every mutation. Index is the
// position the camera had (Removed) or has (Added).
type Change struct {
	Kind   ChangeKind
	Camera models.Camera
	Index  int
}

// Registry is not safe for concurrent use; it is owned by the engine goroutine.
type Registry struct {
	cameras     []models.Camera
	subscribers []func(Change)
}

func New() *Registry {
	return &Registry{}
}

// Subscribe registers fn to be called after every mutation
func (r *Registry) Subscribe(fn func(Change)) {
	r.subscribers = append(r.subscribers, fn)
}

// Add appends a camera. Names and addresses must be unique.
func (r *Registry) Add(cam models.Camera) error {
	cam.Name = strings.TrimSpace(cam.Name)
	cam.Address = strings.TrimSpace(cam.Address)
	if cam.Name == "" || cam.Address == "" {
		return ErrInvalidCamera
	}
	if cam.Port < 0 || cam.Port > 65535 {
		return ErrInvalidPort
	}
	for _, c := range r.cameras {
		if c.Name == cam.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateName, cam.Name)
		}
		if c.Address == cam.Address {
			return fmt.Errorf("%w: %s", ErrDuplicateAddress, cam.Address)
		}
	}
	r.cameras = append(r.cameras, cam)
	log.Info().Str("camera", cam.Name).Str("address", cam.Address).Msg("Camera registered")
	r.notify(Change{Kind: Added, Camera: cam, Index: len(r.cameras) - 1})
	return nil
}

// Remove deletes the camera at index
func (r *Registry) Remove(index int) (models.Camera, error) {
	if index < 0 || index >= len(r.cameras) {
		return models.Camera{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	cam := r.cameras[index]
	r.cameras = append(r.cameras[:index], r.cameras[index+1:]...)
	log.Info().Str("camera", cam.Name).Str("address", cam.Address).Msg("Camera removed")
	r.notify(Change{Kind: Removed, Camera: cam, Index: index})
	return cam, nil
}

// List returns a copy of the cameras in registration order
func (r *Registry) List() []models.Camera {
	out := make([]models.Camera, len(r.cameras))
	copy(out, r.cameras)
	return out
}

func (r *Registry) Len() int {
	return len(r.cameras)
}

// Lookup finds a camera by address and returns its 0-based index
func (r *Registry) Lookup(address string) (models.Camera, int, bool) {
	for i, c := range r.cameras {
		if c.Address == address {
			return c, i, true
		}
	}
	return models.Camera{}, -1, false
}

// Zone is the 1-based position of address, 0 when it is not registered
func (r *Registry) Zone(address string) int {
	_, i, ok := r.Lookup(address)
	if !ok {
		return 0
	}
	return i + 1
}

func (r *Registry) notify(c Change) {
	for _, fn := range r.subscribers {
		fn(c)
	}
}
