package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Subscription is one browser push subscription as produced by PushManager.subscribe().
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

type Keys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (s Subscription) normalize() Subscription {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Keys.P256DH = strings.TrimSpace(s.Keys.P256DH)
	s.Keys.Auth = strings.TrimSpace(s.Keys.Auth)
	return s
}

// Validate checks that the subscription can be delivered to.
func (s Subscription) Validate() error {
	s = s.normalize()
	switch {
	case s.Endpoint == "":
		return errors.New("endpoint is required")
	case s.Keys.P256DH == "":
		return errors.New("keys.p256dh is required")
	case s.Keys.Auth == "":
		return errors.New("keys.auth is required")
	}
	return nil
}

type subscriptionFile struct {
	UpdatedAt     time.Time      `json:"updatedAt"`
	Subscriptions []Subscription `json:"subscriptions"`
}

// FileStore keeps subscriptions in a JSON file, rewritten atomically on change.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// List returns every stored subscription. A missing file is an empty list.
func (s *FileStore) List() ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	return data.Subscriptions, nil
}

// Upsert adds sub or replaces the entry with the same endpoint.
func (s *FileStore) Upsert(sub Subscription) error {
	sub = sub.normalize()
	if err := sub.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return err
	}
	replaced := false
	for i := range data.Subscriptions {
		if data.Subscriptions[i].Endpoint == sub.Endpoint {
			data.Subscriptions[i] = sub
			replaced = true
			break
		}
	}
	if !replaced {
		data.Subscriptions = append(data.Subscriptions, sub)
	}
	return s.writeLocked(data)
}

// Remove deletes the subscription with the given endpoint. Unknown endpoints are ignored.
func (s *FileStore) Remove(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return err
	}
	kept := data.Subscriptions[:0]
	for _, sub := range data.Subscriptions {
		if sub.Endpoint != endpoint {
			kept = append(kept, sub)
		}
	}
	if len(kept) == len(data.Subscriptions) {
		return nil
	}
	data.Subscriptions = kept
	return s.writeLocked(data)
}

func (s *FileStore) readLocked() (*subscriptionFile, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &subscriptionFile{Subscriptions: []Subscription{}}, nil
		}
		return nil, fmt.Errorf("read push subscriptions: %w", err)
	}
	var data subscriptionFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse push subscriptions: %w", err)
	}
	if data.Subscriptions == nil {
		data.Subscriptions = []Subscription{}
	}
	return &data, nil
}

func (s *FileStore) writeLocked(data *subscriptionFile) error {
	data.UpdatedAt = time.Now().UTC()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("mkdir push subscription dir: %w", err)
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal push subscriptions: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write temp push subscriptions: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename push subscriptions: %w", err)
	}
	return nil
}
