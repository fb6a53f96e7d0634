// Package registry tracks which live connection currently serves each device.
// The table is process-local and rebuilt from scratch on restart.
package registry

import (
	"sort"
	"sync"
	"time"
)

type Session struct {
	DeviceID     string    `json:"deviceId"`
	ConnectionID string    `json:"connectionId"`
	ConnectedAt  time.Time `json:"connectedAt"`
}

type Registry struct {
	mu           sync.RWMutex
	byDevice     map[string]Session
	byConnection map[string]string // connectionID -> deviceID
	now          func() time.Time
}

func New() *Registry {
	return &Registry{
		byDevice:     make(map[string]Session),
		byConnection: make(map[string]string),
		now:          time.Now,
	}
}

// Upsert binds deviceID to connectionID, replacing any previous connection of
// the device and any other device previously bound to the connection.
func (r *Registry) Upsert(deviceID, connectionID string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byDevice[deviceID]; ok && prev.ConnectionID != connectionID {
		delete(r.byConnection, prev.ConnectionID)
	}
	if prevDevice, ok := r.byConnection[connectionID]; ok && prevDevice != deviceID {
		delete(r.byDevice, prevDevice)
	}

	s := Session{DeviceID: deviceID, ConnectionID: connectionID, ConnectedAt: r.now()}
	r.byDevice[deviceID] = s
	r.byConnection[connectionID] = deviceID
	return s
}

// Remove drops whatever device the connection serves and returns its id.
func (r *Registry) Remove(connectionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deviceID, ok := r.byConnection[connectionID]
	if !ok {
		return "", false
	}
	delete(r.byConnection, connectionID)
	if s, ok := r.byDevice[deviceID]; ok && s.ConnectionID == connectionID {
		delete(r.byDevice, deviceID)
	}
	return deviceID, true
}

func (r *Registry) Get(deviceID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byDevice[deviceID]
	return s, ok
}

// List returns every live session, oldest connection first.
func (r *Registry) List() []Session {
	r.mu.RLock()
	sessions := make([]Session, 0, len(r.byDevice))
	for _, s := range r.byDevice {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].ConnectedAt.Equal(sessions[j].ConnectedAt) {
			return sessions[i].DeviceID < sessions[j].DeviceID
		}
		return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt)
	})
	return sessions
}

func (r *Registry) DeviceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byDevice))
	for id := range r.byDevice {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byDevice)
}
