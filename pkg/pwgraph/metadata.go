package pwgraph

import (
	"fmt"

	"github.com/buger/jsonparser"
)

const (
	metadataKeyDefaultSink   = "default.audio.sink"
	metadataKeyDefaultSource = "default.audio.source"
)

// onMetadataProperty tracks the default sink and source. Every announcement is
// forwarded, repeated values included
func (s *Session) onMetadataProperty(e MetadataProperty) {
	if s.exiting.Load() || e.MetadataID != s.metadataID {
		return
	}

	s.metadataLogger.Debugw("Metadata property", "subject", e.Subject, "key", e.Key, "type", e.Type, "value", e.Value)

	var kind DefaultDeviceKind

	switch e.Key {
	case metadataKeyDefaultSink:
		kind = DefaultSinkChanged
	case metadataKeyDefaultSource:
		kind = DefaultSourceChanged
	default:
		return
	}

	if e.Value == "" {
		return
	}

	name, err := defaultDeviceName(e.Value)
	if err != nil {
		s.metadataLogger.Debugw("Ignoring unparsable default device value", "key", e.Key, "value", e.Value, "error", err)
		return
	}

	// our own devices never become the tracked default
	if name == AppSinkName || name == AppSourceName {
		return
	}

	if kind == DefaultSinkChanged {
		s.defaultOutputName = name
	} else {
		s.defaultInputName = name
	}

	s.metadataLogger.Debugw("Default device changed", "kind", kind, "name", name)
	s.publishDefaultDeviceEvent(DefaultDeviceEvent{Kind: kind, Name: name})
}

// defaultDeviceName extracts the device name from a value like {"name":"alsa_output.pci"}
func defaultDeviceName(value string) (string, error) {
	name, err := jsonparser.GetString([]byte(value), "name")
	if err != nil {
		return "", fmt.Errorf("parse default device value: %w", err)
	}

	return name, nil
}

// seedDefaultDevices fills the default device names before the server announces them,
// so consumers asking right after Connect get an answer
func (s *Session) seedDefaultDevices() {
	if s.defaultsProbe == nil {
		return
	}

	sink, source, err := s.defaultsProbe()
	if err != nil {
		s.metadataLogger.Debugw("Can't probe default devices", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.defaultOutputName == "" && sink != "" && sink != AppSinkName {
		s.defaultOutputName = sink
		s.publishDefaultDeviceEvent(DefaultDeviceEvent{Kind: DefaultSinkChanged, Name: sink})
	}

	if s.defaultInputName == "" && source != "" && source != AppSourceName {
		s.defaultInputName = source
		s.publishDefaultDeviceEvent(DefaultDeviceEvent{Kind: DefaultSourceChanged, Name: source})
	}

	s.metadataLogger.Debugw("Seeded default devices", "sink", s.defaultOutputName, "source", s.defaultInputName)
}
