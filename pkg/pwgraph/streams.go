package pwgraph

import (
	"fmt"
	"strconv"
)

const (
	metadataKeyTargetNode   = keyTargetNode
	metadataKeyTargetObject = keyTargetObject
	metadataTypeSPAID       = "Spa:Id"
)

// ConnectStreamOutput routes an application playback stream to our virtual sink
func (s *Session) ConnectStreamOutput(streamID uint32) error {
	return s.routeStream(streamID, DirectionOut)
}

// ConnectStreamInput routes an application capture stream to our virtual source
func (s *Session) ConnectStreamInput(streamID uint32) error {
	return s.routeStream(streamID, DirectionIn)
}

func (s *Session) routeStream(streamID uint32, direction Direction) error {
	if s.exiting.Load() {
		return ErrExiting
	}

	s.mu.Lock()
	target := s.appSink
	if direction == DirectionIn {
		target = s.appSource
	}
	metadataID := s.metadataID
	s.mu.Unlock()

	if metadataID == InvalidID {
		return fmt.Errorf("route stream %d: %w", streamID, ErrNoMetadata)
	}

	if !target.Valid() {
		return fmt.Errorf("route stream %d: virtual device not available: %w", streamID, ErrNodeNotFound)
	}

	if err := s.submitBatchAndWait(targetCommands(streamID, target)...); err != nil {
		return fmt.Errorf("route stream %d: %w", streamID, err)
	}

	return nil
}

// DisconnectStream clears the stream's routing target, handing it back to the server's policy
func (s *Session) DisconnectStream(streamID uint32) error {
	if s.exiting.Load() {
		return ErrExiting
	}

	s.mu.Lock()
	metadataID := s.metadataID
	s.mu.Unlock()

	if metadataID == InvalidID {
		return fmt.Errorf("disconnect stream %d: %w", streamID, ErrNoMetadata)
	}

	err := s.submitBatchAndWait(
		SetMetadata{Subject: streamID, Key: metadataKeyTargetNode},
		SetMetadata{Subject: streamID, Key: metadataKeyTargetObject},
	)
	if err != nil {
		return fmt.Errorf("disconnect stream %d: %w", streamID, err)
	}

	return nil
}

// targetCommands builds the metadata writes pinning a stream to target. Both the legacy id based
// key and the serial based key are written
func targetCommands(streamID uint32, target Node) []Command {
	return []Command{
		SetMetadata{
			Subject: streamID,
			Key:     metadataKeyTargetNode,
			Type:    metadataTypeSPAID,
			Value:   strconv.FormatUint(uint64(target.ID), 10),
		},
		SetMetadata{
			Subject: streamID,
			Key:     metadataKeyTargetObject,
			Type:    metadataTypeSPAID,
			Value:   strconv.FormatUint(target.Serial, 10),
		},
	}
}

// StreamIsConnected reports whether a link joins the stream to one of our virtual devices
func (s *Session) StreamIsConnected(streamID uint32, mediaClass string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamIsConnectedLocked(streamID, mediaClass)
}

func (s *Session) streamIsConnectedLocked(streamID uint32, mediaClass string) bool {
	for _, link := range s.model.links {
		switch mediaClass {
		case MediaClassOutputStream:
			if link.OutputNodeID == streamID && s.appSink.Valid() && link.InputNodeID == s.appSink.ID {
				return true
			}
		case MediaClassInputStream:
			if link.InputNodeID == streamID && s.appSource.Valid() && link.OutputNodeID == s.appSource.ID {
				return true
			}
		}
	}

	return false
}

// SetNodeVolume sets every channel of the node to the same volume
func (s *Session) SetNodeVolume(serial uint64, channels int, volume float32) error {
	if s.exiting.Load() {
		return ErrExiting
	}

	node, ok := s.NodeBySerial(serial)
	if !ok {
		return fmt.Errorf("set volume of serial %d: %w", serial, ErrNodeNotFound)
	}

	if channels <= 0 {
		channels = node.NVolumeChannels
	}

	if channels <= 0 {
		return fmt.Errorf("set volume of %s: node has no volume channels", node)
	}

	volumes := make([]float32, channels)
	for i := range volumes {
		volumes[i] = volume
	}

	if err := s.submitAndWait(SetNodeParam{NodeID: node.ID, ChannelVolumes: volumes}); err != nil {
		return fmt.Errorf("set volume of %s: %w", node, err)
	}

	return nil
}

// SetNodeMute mutes or unmutes the node
func (s *Session) SetNodeMute(serial uint64, mute bool) error {
	if s.exiting.Load() {
		return ErrExiting
	}

	node, ok := s.NodeBySerial(serial)
	if !ok {
		return fmt.Errorf("set mute of serial %d: %w", serial, ErrNodeNotFound)
	}

	if err := s.submitAndWait(SetNodeParam{NodeID: node.ID, Mute: &mute}); err != nil {
		return fmt.Errorf("set mute of %s: %w", node, err)
	}

	return nil
}
