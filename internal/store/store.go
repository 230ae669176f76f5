// Package store keeps append-only JSONL records: compiled stream profiles
// keyed by config id, devices seen through verified discovery, and closed
// session summaries.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"alnp/internal/profile"
)

const maxScanSize = 1 << 20

type Store struct {
	profilesPath string
	devicesPath  string
	sessionsPath string
}

// New places the record files under dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &Store{
		profilesPath: filepath.Join(dir, "profiles.jsonl"),
		devicesPath:  filepath.Join(dir, "devices.jsonl"),
		sessionsPath: filepath.Join(dir, "sessions.jsonl"),
	}, nil
}

type DeviceRecord struct {
	DeviceID     string    `json:"device_id"`
	Addr         string    `json:"addr"`
	Manufacturer string    `json:"manufacturer"`
	Model        string    `json:"model"`
	Firmware     string    `json:"firmware"`
	Capabilities []string  `json:"capabilities"`
	VerifiedAt   time.Time `json:"verified_at"`
}

type SessionRecord struct {
	SessionID string    `json:"session_id"`
	Peer      string    `json:"peer"`
	ConfigID  string    `json:"config_id,omitempty"`
	Controls  uint64    `json:"controls"`
	Frames    uint64    `json:"frames"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	EndReason string    `json:"end_reason"`
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func appendJSON(path string, v any) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(v); err != nil {
		return err
	}
	return f.Sync()
}

// scan calls fn for every decodable line; fn returns false to stop.
// Undecodable lines are skipped.
func scan[T any](path string, fn func(T) bool) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := newScanner(f)
	for sc.Scan() {
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			continue
		}
		if !fn(v) {
			return nil
		}
	}
	return sc.Err()
}

// FindProfile looks up a compiled profile by config id.
func (s *Store) FindProfile(configID string) (profile.Compiled, bool, error) {
	var out profile.Compiled
	var found bool
	err := scan(s.profilesPath, func(c profile.Compiled) bool {
		if c.ConfigID == configID {
			out, found = c, true
			return false
		}
		return true
	})
	if err != nil || !found {
		return profile.Compiled{}, false, err
	}
	intent, err := profile.ParseIntent(out.IntentName)
	if err != nil {
		return profile.Compiled{}, false, err
	}
	out.Intent = intent
	return out, true, nil
}

// AddProfileIfNew records c unless its config id is already present.
func (s *Store) AddProfileIfNew(c profile.Compiled) error {
	_, found, err := s.FindProfile(c.ConfigID)
	if err != nil || found {
		return err
	}
	return appendJSON(s.profilesPath, c)
}

func (s *Store) ListProfiles() ([]profile.Compiled, error) {
	var out []profile.Compiled
	err := scan(s.profilesPath, func(c profile.Compiled) bool {
		if intent, err := profile.ParseIntent(c.IntentName); err == nil {
			c.Intent = intent
			out = append(out, c)
		}
		return true
	})
	return out, err
}

func (s *Store) AddDevice(d DeviceRecord) error {
	if d.VerifiedAt.IsZero() {
		d.VerifiedAt = time.Now().UTC()
	}
	return appendJSON(s.devicesPath, d)
}

// ListDevices returns the latest record per device id, oldest first.
func (s *Store) ListDevices() ([]DeviceRecord, error) {
	var order []string
	latest := make(map[string]DeviceRecord)
	err := scan(s.devicesPath, func(d DeviceRecord) bool {
		if _, ok := latest[d.DeviceID]; !ok {
			order = append(order, d.DeviceID)
		}
		latest[d.DeviceID] = d
		return true
	})
	if err != nil {
		return nil, err
	}
	out := make([]DeviceRecord, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out, nil
}

func (s *Store) AddSession(r SessionRecord) error {
	return appendJSON(s.sessionsPath, r)
}

// RecentSessions returns up to n of the most recent session records.
func (s *Store) RecentSessions(n int) ([]SessionRecord, error) {
	var all []SessionRecord
	err := scan(s.sessionsPath, func(r SessionRecord) bool {
		all = append(all, r)
		return true
	})
	if err != nil {
		return nil, err
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}
