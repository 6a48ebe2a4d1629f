// Copyright 2024-2026 Aiku AI

package reposter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// LiveRule forwards every new message of a source to a destination channel.
type LiveRule struct {
	Channel string `json:"channel"`
	Hook    bool   `json:"hook"`
}

// Settings is the persisted per-destination configuration. Every map is
// keyed by guild ID, or by channel ID for channels outside a guild; Active is
// keyed by channel ID and Live by source channel or guild ID.
type Settings struct {
	Replacements map[string]Replacements `json:"replacements"`
	Nicknames    map[string]bool         `json:"nicknames"`
	Prefixes     map[string]string       `json:"prefixes"`
	Active       map[string]bool         `json:"active"`
	Tags         map[string]bool         `json:"tags"`
	Pins         map[string]bool         `json:"pins"`
	Live         map[string]LiveRule     `json:"live"`
}

// NewSettings returns empty settings with every map allocated.
func NewSettings() *Settings {
	s := &Settings{}
	s.init()
	return s
}

func (s *Settings) init() {
	if s.Replacements == nil {
		s.Replacements = make(map[string]Replacements)
	}
	if s.Nicknames == nil {
		s.Nicknames = make(map[string]bool)
	}
	if s.Prefixes == nil {
		s.Prefixes = make(map[string]string)
	}
	if s.Active == nil {
		s.Active = make(map[string]bool)
	}
	if s.Tags == nil {
		s.Tags = make(map[string]bool)
	}
	if s.Pins == nil {
		s.Pins = make(map[string]bool)
	}
	if s.Live == nil {
		s.Live = make(map[string]LiveRule)
	}
}

// Storage loads and saves the whole settings document.
type Storage interface {
	Load() (*Settings, error)
	Save(*Settings) error
}

// FileStorage keeps settings in one JSON file, rewritten on every save.
type FileStorage struct {
	Path string
}

var _ Storage = (*FileStorage)(nil)

// Load reads the settings file. A missing file is created empty; a malformed
// one is an error.
func (f *FileStorage) Load() (*Settings, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		settings := NewSettings()
		if err := f.Save(settings); err != nil {
			return nil, err
		}
		return settings, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	settings := &Settings{}
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", f.Path, err)
	}
	settings.init()
	return settings, nil
}

// Save writes the settings through a temporary file and renames it over the
// target, so readers never see a partial document.
func (f *FileStorage) Save(settings *Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary settings file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}

// MemoryStorage keeps an encoded copy of the settings in memory.
type MemoryStorage struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

var _ Storage = (*MemoryStorage)(nil)

func (m *MemoryStorage) Load() (*Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	settings := &Settings{}
	if m.data != nil {
		if err := json.Unmarshal(m.data, settings); err != nil {
			return nil, err
		}
	}
	settings.init()
	return settings, nil
}

func (m *MemoryStorage) Save(settings *Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
	m.saves++
	return nil
}

// Flag names a boolean per-destination setting.
type Flag string

const (
	FlagTags      Flag = "tags"
	FlagNicknames Flag = "nicknames"
	FlagPins      Flag = "pins"
)

// Store is the process-wide settings object. Mutations persist
// immediately. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	settings *Settings
	storage  Storage
	log      zerolog.Logger
}

// NewStore loads settings from storage.
func NewStore(storage Storage, log zerolog.Logger) (*Store, error) {
	settings, err := storage.Load()
	if err != nil {
		return nil, err
	}
	return &Store{
		settings: settings,
		storage:  storage,
		log:      log.With().Str("component", "store").Logger(),
	}, nil
}

func (s *Store) saveLocked() error {
	if err := s.storage.Save(s.settings); err != nil {
		s.log.Error().Err(err).Msg("Failed to save settings")
		return err
	}
	return nil
}

func (s *Store) flagMap(flag Flag) map[string]bool {
	switch flag {
	case FlagTags:
		return s.settings.Tags
	case FlagNicknames:
		return s.settings.Nicknames
	case FlagPins:
		return s.settings.Pins
	default:
		return nil
	}
}

// Flag reports a boolean setting; absent means false.
func (s *Store) Flag(flag Flag, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flagMap(flag)[key]
}

// ToggleFlag sets a flag to value when explicit is true and flips it
// otherwise. It returns the new value.
func (s *Store) ToggleFlag(flag Flag, key string, value, explicit bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.flagMap(flag)
	if m == nil {
		return false, fmt.Errorf("unknown flag %q", flag)
	}
	if !explicit {
		value = !m[key]
	}
	m[key] = value
	return value, s.saveLocked()
}

// Prefix returns the command prefix for key, or def when none is stored.
func (s *Store) Prefix(key, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.settings.Prefixes[key]; ok && p != "" {
		return p
	}
	return def
}

func (s *Store) SetPrefix(key, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Prefixes[key] = prefix
	return s.saveLocked()
}

// IsActive reports whether a channel is taking part in a repost.
func (s *Store) IsActive(channelID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Active[channelID]
}

// SetActive marks channels active or inactive and saves once.
func (s *Store) SetActive(active bool, channelIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range channelIDs {
		if active {
			s.settings.Active[id] = true
		} else {
			delete(s.settings.Active, id)
		}
	}
	return s.saveLocked()
}

// Live returns the forward rule registered for a source.
func (s *Store) Live(sourceID string) (LiveRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.settings.Live[sourceID]
	return rule, ok
}

// SetLive registers a forward rule, replacing any previous one for source.
func (s *Store) SetLive(sourceID string, rule LiveRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Live[sourceID] = rule
	return s.saveLocked()
}

// Stop deactivates a channel and removes every live rule it is the source
// or destination of. Other settings are kept.
func (s *Store) Stop(channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.settings.Active, channelID)
	for source, rule := range s.settings.Live {
		if source == channelID || rule.Channel == channelID {
			delete(s.settings.Live, source)
		}
	}
	return s.saveLocked()
}

// Replacements returns a copy of the replacement table for key.
func (s *Store) Replacements(key string) Replacements {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Replacements[key].clone()
}

// SetReplacement upserts one rule.
func (s *Store) SetReplacement(key, find, replace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Replacements[key] = s.settings.Replacements[key].Set(find, replace)
	return s.saveLocked()
}

// DeleteReplacement removes one rule. It reports whether the rule existed.
func (s *Store) DeleteReplacement(key, find string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.settings.Replacements[key].Delete(find)
	if !ok {
		return false, nil
	}
	if len(table) == 0 {
		delete(s.settings.Replacements, key)
	} else {
		s.settings.Replacements[key] = table
	}
	return true, s.saveLocked()
}
