package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Camera represents a registered camera
type Camera struct {
	Name    string `json:"name" bson:"name"`
	Address string `json:"address" bson:"address"`
	Port    int    `json:"port,omitempty" bson:"port,omitempty"`
}

// HostPort returns address[:port]
func (c Camera) HostPort() string {
	if c.Port == 0 {
		return c.Address
	}
	return c.Address + ":" + strconv.Itoa(c.Port)
}

func (c Camera) String() string {
	return fmt.Sprintf("%s (%s)", c.Name, c.HostPort())
}

// StreamURL returns the RTSPS url the playback layer opens for the given mode
func (c Camera) StreamURL(mode OperatingMode) string {
	if mode == ModeNone {
		mode = ModeRaw
	}
	return fmt.Sprintf("rtsps://%s/%s", c.HostPort(), mode.WireName())
}

// ControlURL returns the url of the persistent control channel of the camera
func (c Camera) ControlURL(scheme, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s%s", scheme, c.HostPort(), path)
}

// ImageURL resolves an image path reported by a camera. Leading "../"
// segments are stripped, images are always served on the default http port.
func ImageURL(address, imagePath string) string {
	if imagePath == "" {
		return ""
	}
	p := imagePath
	for strings.HasPrefix(p, "../") {
		p = strings.TrimPrefix(p, "../")
	}
	p = strings.TrimLeft(p, "/")
	return fmt.Sprintf("http://%s/%s", address, p)
}

// ParseCamera parses "name=address[:port]"
func ParseCamera(s string) (Camera, error) {
	name, target, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	target = strings.TrimSpace(target)
	if !ok || name == "" || target == "" {
		return Camera{}, fmt.Errorf("invalid camera %q, expected name=address[:port]", s)
	}
	cam := Camera{Name: name, Address: target}
	if host, port, found := strings.Cut(target, ":"); found {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return Camera{}, fmt.Errorf("invalid camera port in %q", s)
		}
		cam.Address = host
		cam.Port = p
	}
	return cam, nil
}
