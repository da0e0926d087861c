package calib

import (
	"fmt"

	"github.com/kwv/simfit/align"
)

// TranslationOffset represents a 2D translation offset for a manual override
type TranslationOffset struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

// OverrideConfig pins a 2D set to a hand-measured transform instead of fitting it
type OverrideConfig struct {
	Scale       *float64           `yaml:"scale,omitempty" json:"scale,omitempty"`
	Rotation    *float64           `yaml:"rotation,omitempty" json:"rotation,omitempty"` // degrees, counter-clockwise
	Translation *TranslationOffset `yaml:"translation,omitempty" json:"translation,omitempty"`
}

// SetConfig defines one correspondence set from the config file.
// Correspondences come from File (source and target together), from a
// Source/Target pair of point files, from URL, or live from an MQTT Topic.
type SetConfig struct {
	ID       string          `yaml:"id" json:"id"`
	Mode     string          `yaml:"mode,omitempty" json:"mode,omitempty"` // any of t, s, r; default tsr
	File     string          `yaml:"file,omitempty" json:"file,omitempty"`
	Source   string          `yaml:"source,omitempty" json:"source,omitempty"`
	Target   string          `yaml:"target,omitempty" json:"target,omitempty"`
	URL      *string         `yaml:"url,omitempty" json:"url,omitempty"`
	Topic    string          `yaml:"topic,omitempty" json:"topic,omitempty"`
	Color    string          `yaml:"color,omitempty" json:"color,omitempty"`
	Override *OverrideConfig `yaml:"override,omitempty" json:"override,omitempty"`
}

// Config represents the full configuration file
type Config struct {
	MQTT      MQTTConfig  `yaml:"mqtt" json:"mqtt"`
	Sets      []SetConfig `yaml:"sets" json:"sets"`
	Tolerance float64     `yaml:"tolerance,omitempty" json:"tolerance,omitempty"` // max accepted RMS residual; 0 disables
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// GetSetByID returns the set config for the given ID
func (c *Config) GetSetByID(id string) *SetConfig {
	for i := range c.Sets {
		if c.Sets[i].ID == id {
			return &c.Sets[i]
		}
	}
	return nil
}

// SetIDs returns the configured set IDs in file order
func (c *Config) SetIDs() []string {
	ids := make([]string, len(c.Sets))
	for i, sc := range c.Sets {
		ids[i] = sc.ID
	}
	return ids
}

// Params returns the parameters to estimate for this set
func (sc *SetConfig) Params() (align.Params, error) {
	return align.ParseParams(sc.Mode)
}

// HasOverride returns true if the set is pinned to a manual transform
func (sc *SetConfig) HasOverride() bool {
	return sc.Override != nil
}

// HasStaticData returns true if correspondences can be loaded without MQTT
func (sc *SetConfig) HasStaticData() bool {
	return sc.File != "" || (sc.Source != "" && sc.Target != "") || (sc.URL != nil && *sc.URL != "")
}

// OverrideTransform builds the 2D transform described by the override.
// Missing fields default to unit scale, no rotation and no translation.
func (sc *SetConfig) OverrideTransform() (align.Transform, error) {
	if sc.Override == nil {
		return align.Transform{}, fmt.Errorf("set %s has no override", sc.ID)
	}
	o := sc.Override

	scale := 1.0
	if o.Scale != nil {
		scale = *o.Scale
	}
	rotation := 0.0
	if o.Rotation != nil {
		rotation = *o.Rotation
	}
	translation := align.Point{0, 0}
	if o.Translation != nil {
		translation = align.Point{o.Translation.X, o.Translation.Y}
	}

	t, err := align.NewTransform(translation, scale, align.RotationDeg(rotation))
	if err != nil {
		return align.Transform{}, fmt.Errorf("set %s override: %w", sc.ID, err)
	}
	return t, nil
}
