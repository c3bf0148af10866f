// Package dispatch fans a delivered event out to the device-mode destinations
// the collection endpoint returned for it.
package dispatch

import (
	"encoding/json"
	"fmt"
)

// Device option type tags.
const (
	TypeInternalPlugin = "internal-plugin"
	TypeExternalPlugin = "external-plugin"
)

// DeviceOptions tells the engine where a destination's client-side code
// lives. It is either InternalPlugin or ExternalPlugin.
type DeviceOptions interface {
	deviceOptions()
}

// InternalPlugin references a plugin built into the SDK by name.
type InternalPlugin struct {
	Name string `json:"name"`
}

// ExternalPlugin references a script by URL and the name of the constructor
// it exports.
type ExternalPlugin struct {
	PackageCDN    string `json:"packageCdn"`
	ModuleVarName string `json:"moduleVarName"`
}

func (InternalPlugin) deviceOptions() {}
func (ExternalPlugin) deviceOptions() {}

// Descriptor is one destination returned by the collection endpoint.
type Descriptor struct {
	ID              string
	DestinationType string
	Credentials     map[string]any
	Options         map[string]any
	// DeviceOptions is nil for destinations delivered server side only.
	DeviceOptions DeviceOptions
}

type descriptorJSON struct {
	ID              string          `json:"id,omitempty"`
	DestinationType string          `json:"destinationType,omitempty"`
	Credentials     map[string]any  `json:"credentials,omitempty"`
	Options         map[string]any  `json:"options,omitempty"`
	DeviceOptions   json.RawMessage `json:"deviceOptions,omitempty"`
}

// Config merges credentials and options; options win on conflicts.
func (d Descriptor) Config() map[string]any {
	config := make(map[string]any, len(d.Credentials)+len(d.Options))
	for k, v := range d.Credentials {
		config[k] = v
	}
	for k, v := range d.Options {
		config[k] = v
	}
	return config
}

func (d *Descriptor) UnmarshalJSON(b []byte) error {
	var raw descriptorJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*d = Descriptor{
		ID:              raw.ID,
		DestinationType: raw.DestinationType,
		Credentials:     raw.Credentials,
		Options:         raw.Options,
	}
	if len(raw.DeviceOptions) == 0 || string(raw.DeviceOptions) == "null" {
		return nil
	}
	opts, err := decodeDeviceOptions(raw.DeviceOptions)
	if err != nil {
		return fmt.Errorf("destination %s: %w", raw.ID, err)
	}
	d.DeviceOptions = opts
	return nil
}

func (d Descriptor) MarshalJSON() ([]byte, error) {
	raw := descriptorJSON{
		ID:              d.ID,
		DestinationType: d.DestinationType,
		Credentials:     d.Credentials,
		Options:         d.Options,
	}
	var err error
	switch opts := d.DeviceOptions.(type) {
	case InternalPlugin:
		raw.DeviceOptions, err = json.Marshal(struct {
			Type string `json:"type"`
			InternalPlugin
		}{TypeInternalPlugin, opts})
	case ExternalPlugin:
		raw.DeviceOptions, err = json.Marshal(struct {
			Type string `json:"type"`
			ExternalPlugin
		}{TypeExternalPlugin, opts})
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(raw)
}

func decodeDeviceOptions(b []byte) (DeviceOptions, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &tag); err != nil {
		return nil, fmt.Errorf("invalid deviceOptions: %w", err)
	}
	switch tag.Type {
	case TypeInternalPlugin:
		var p InternalPlugin
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeExternalPlugin:
		var p ExternalPlugin
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown deviceOptions type %q", tag.Type)
	}
}

// ParseDescriptors decodes each raw descriptor independently so one malformed
// entry does not drop the rest. The returned errors describe skipped entries.
func ParseDescriptors(raws []json.RawMessage) ([]Descriptor, []error) {
	descriptors := make([]Descriptor, 0, len(raws))
	var errs []error
	for i, raw := range raws {
		var d Descriptor
		if err := json.Unmarshal(raw, &d); err != nil {
			errs = append(errs, fmt.Errorf("descriptor %d: %w", i, err))
			continue
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, errs
}
