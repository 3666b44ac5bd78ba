// Package config holds the bridge's node options and their decoding from
// middleware attribute maps.
package config

import (
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/mapbridge/grid"
)

// AttributeMap is an untyped configuration blob as delivered by the
// middleware.
type AttributeMap map[string]interface{}

// Options configures the bridge.
type Options struct {
	// MapFrame is the global frame submaps are placed in.
	MapFrame string `json:"map_frame"`
	// TrackingFrame is the frame the engine tracks, e.g. the robot base.
	TrackingFrame string `json:"tracking_frame"`
	// Sensors are the sensor IDs every trajectory expects input from.
	Sensors []string `json:"sensors"`
	// LookupTransformTimeoutSec bounds frame resolution waits.
	LookupTransformTimeoutSec float64 `json:"lookup_transform_timeout_sec"`
	// ExportDirectory receives finished-trajectory assets.
	ExportDirectory string `json:"export_dir"`
	// Grid controls occupancy-grid rasterization.
	Grid grid.Options `json:"grid"`
}

// DefaultOptions returns the options used where the attribute map is silent.
func DefaultOptions() Options {
	return Options{
		MapFrame:                  "map",
		TrackingFrame:             "base_link",
		LookupTransformTimeoutSec: 0.25,
		ExportDirectory:           ".",
		Grid:                      grid.DefaultOptions(),
	}
}

// LookupTimeout returns the transform lookup bound as a duration.
func (o Options) LookupTimeout() time.Duration {
	return time.Duration(o.LookupTransformTimeoutSec * float64(time.Second))
}

// Validate ensures required fields are present and sane; path names the
// config location for error reporting.
func (o Options) Validate(path string) error {
	if len(o.Sensors) == 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "sensors")
	}
	if o.TrackingFrame == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "tracking_frame")
	}
	if o.MapFrame == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "map_frame")
	}
	if o.LookupTransformTimeoutSec <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("lookup_transform_timeout_sec must be positive"))
	}
	if o.Grid.Resolution <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("grid resolution must be positive"))
	}
	return nil
}

// FromAttributes decodes an attribute map over the defaults and validates
// the result.
func FromAttributes(path string, attributes AttributeMap) (Options, error) {
	opts := DefaultOptions()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: &opts})
	if err != nil {
		return Options{}, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return Options{}, errors.Wrap(err, "decoding bridge attributes")
	}
	if err := opts.Validate(path); err != nil {
		return Options{}, err
	}
	return opts, nil
}
