package proxy

import (
	"time"

	"github.com/Polly2014/CopilotX/pkg/cache"
)

// Registration announces a running server so CLI commands can find it.
type Registration struct {
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

func WriteRegistration(path string, reg Registration) error {
	return cache.SaveJSON(path, reg)
}

// ReadRegistration returns cache.ErrNotFound when no server is registered.
func ReadRegistration(path string) (Registration, error) {
	var reg Registration
	err := cache.LoadJSON(path, &reg)
	return reg, err
}

func RemoveRegistration(path string) error {
	return cache.Remove(path)
}
