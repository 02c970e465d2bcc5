// Package config loads the loop daemon's settings from an optional YAML file
// and turns them into a dvbcuse.Config wired to the pass-through backend.
package config

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/9000h/dvbloop-cuse/pkg/dvbcuse"
	"github.com/9000h/dvbloop-cuse/pkg/passthrough"
	"github.com/9000h/dvbloop-cuse/pkg/types"
	"github.com/9000h/dvbloop-cuse/pkg/utils"
)

// Defaults of the loop daemon.
const (
	DefaultSource = 4
	DefaultMajor  = 256
	DefaultPerms  = os.FileMode(0o666)
)

// Settings is the resolved daemon configuration.
type Settings struct {
	Source      int
	Adapter     int
	Major       int
	MinorBase   int
	Owner       int
	Group       int
	Perms       os.FileMode
	MaxSessions int
	// Disabled lists endpoints that are not exposed.
	Disabled map[types.Endpoint]bool
	// DevRoot holds the source adapter's nodes.
	DevRoot string
}

// Defaults returns the settings used when neither file nor flags say otherwise.
func Defaults() Settings {
	return Settings{
		Source:   DefaultSource,
		Major:    DefaultMajor,
		Perms:    DefaultPerms,
		Disabled: make(map[types.Endpoint]bool),
		DevRoot:  dvbcuse.DefaultDevRoot,
	}
}

// File is the on-disk YAML layout. Absent keys leave the setting unchanged.
type File struct {
	Source      *int                    `json:"source,omitempty"`
	Adapter     *int                    `json:"adapter,omitempty"`
	Major       *int                    `json:"major,omitempty"`
	MinorBase   *int                    `json:"minorBase,omitempty"`
	Owner       *int                    `json:"owner,omitempty"`
	Group       *int                    `json:"group,omitempty"`
	Perms       string                  `json:"perms,omitempty"`
	MaxSessions int                     `json:"maxSessions,omitempty"`
	Endpoints   map[types.Endpoint]bool `json:"endpoints,omitempty"`
	DevRoot     string                  `json:"devRoot,omitempty"`
}

// Load reads a YAML configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config %s: %w", path, err)
	}
	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("cannot parse config %s: %w", path, err)
	}
	log.Debugf("loaded config from %s", path)
	return &f, nil
}

// Apply overlays the file's values onto s.
func (f *File) Apply(s *Settings) error {
	setInt := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	setInt(&s.Source, f.Source)
	setInt(&s.Adapter, f.Adapter)
	setInt(&s.Major, f.Major)
	setInt(&s.MinorBase, f.MinorBase)
	setInt(&s.Owner, f.Owner)
	setInt(&s.Group, f.Group)

	if f.Perms != "" {
		p, err := utils.ParsePerms(f.Perms)
		if err != nil {
			return fmt.Errorf("perms: %w", err)
		}
		s.Perms = p
	}
	if f.MaxSessions != 0 {
		s.MaxSessions = f.MaxSessions
	}
	if f.DevRoot != "" {
		s.DevRoot = f.DevRoot
	}
	if s.Disabled == nil {
		s.Disabled = make(map[types.Endpoint]bool)
	}
	for e, enabled := range f.Endpoints {
		s.Disabled[e] = !enabled
	}
	return nil
}

// Validate checks the rules the daemon adds on top of dvbcuse.Config.
func (s *Settings) Validate() error {
	if s.Source < 0 || s.Source > dvbcuse.MaxAdapter {
		return fmt.Errorf("source adapter %d out of range", s.Source)
	}
	if s.Adapter == s.Source {
		return fmt.Errorf("loop adapter must differ from source adapter %d", s.Source)
	}
	if s.Major == 0 {
		return fmt.Errorf("major device number must be set")
	}
	if s.MaxSessions < 0 {
		return fmt.Errorf("maxSessions must not be negative")
	}
	return nil
}

// DeviceConfig returns the device configuration with every enabled endpoint
// forwarded to the source adapter. Nothing is validated.
func (s *Settings) DeviceConfig() dvbcuse.Config {
	cfg := dvbcuse.Config{
		Adapter:     s.Adapter,
		Major:       s.Major,
		MinorBase:   s.MinorBase,
		Owner:       s.Owner,
		Group:       s.Group,
		Perms:       s.Perms,
		MaxSessions: s.MaxSessions,
	}
	passthrough.Configure(&cfg, s.DevRoot, s.Source, s.Disabled)
	return cfg
}

// Build validates s and returns its device configuration.
func (s *Settings) Build() (dvbcuse.Config, error) {
	if err := s.Validate(); err != nil {
		return dvbcuse.Config{}, err
	}
	cfg := s.DeviceConfig()
	if err := cfg.Validate(); err != nil {
		return dvbcuse.Config{}, err
	}
	return cfg, nil
}
