package pwgraph

import (
	"errors"
	"fmt"
	"sync/atomic"
)

const (
	channelFrontLeft       = "FL"
	channelFrontRight      = "FR"
	channelProbeFrontLeft  = "PROBE_FL"
	channelProbeFrontRight = "PROBE_FR"
)

var errMixedChannelLabels = errors.New("only one side has stereo channel labels")

// LinkHandle owns one link created by LinkNodes. It is destroyed at most once
type LinkHandle struct {
	OutputNode uint32
	OutputPort uint32
	InputNode  uint32
	InputPort  uint32
	Passive    bool

	destroyed atomic.Bool
}

func (h *LinkHandle) String() string {
	return fmt.Sprintf("<link: %d:%d -> %d:%d>", h.OutputNode, h.OutputPort, h.InputNode, h.InputPort)
}

// Destroyed reports whether DestroyLinks already released this link
func (h *LinkHandle) Destroyed() bool {
	return h.destroyed.Load()
}

type portPair struct {
	output Port
	input  Port
}

// LinkNodes links the output ports of one node to the input ports of another.
// In probe mode the output's stereo channels go to the input's probe ports instead.
// Failures are logged and never abort the remaining links
func (s *Session) LinkNodes(outputNodeID uint32, inputNodeID uint32, probe bool, passive bool) []*LinkHandle {
	handles := []*LinkHandle{}

	if s.exiting.Load() {
		return handles
	}

	s.mu.Lock()
	outputs, inputs := collectPorts(s.model.ports, outputNodeID, inputNodeID, probe)
	s.mu.Unlock()

	if len(inputs) == 0 {
		s.linkerLogger.Debugw("Input node has no ports yet, not linking", "output", outputNodeID, "input", inputNodeID)
		return handles
	}

	if len(outputs) == 0 {
		s.linkerLogger.Debugw("Output node has no ports yet, not linking", "output", outputNodeID, "input", inputNodeID)
		return handles
	}

	pairs, err := matchPorts(outputs, inputs, probe)
	if err != nil {
		s.linkerLogger.Warnw("Can't match ports, not linking", "output", outputNodeID, "input", inputNodeID, "error", err)
		return handles
	}

	for _, pair := range pairs {
		cmd := CreateLink{
			OutputNode: outputNodeID,
			OutputPort: pair.output.ID,
			InputNode:  inputNodeID,
			InputPort:  pair.input.ID,
			Passive:    passive,
		}

		if err := s.submitAndWait(cmd); err != nil {
			s.linkerLogger.Warnw("Failed to link nodes", "output", outputNodeID, "input", inputNodeID,
				"outputPort", pair.output.ID, "inputPort", pair.input.ID, "error", err)
			continue
		}

		handles = append(handles, &LinkHandle{
			OutputNode: outputNodeID,
			OutputPort: pair.output.ID,
			InputNode:  inputNodeID,
			InputPort:  pair.input.ID,
			Passive:    passive,
		})
	}

	s.linkerLogger.Debugw("Linked nodes", "output", outputNodeID, "input", inputNodeID, "links", len(handles), "probe", probe)

	return handles
}

// DestroyLinks releases the given links. Nil and already destroyed handles are skipped
func (s *Session) DestroyLinks(handles []*LinkHandle) {
	for _, handle := range handles {
		if handle == nil || handle.destroyed.Swap(true) {
			continue
		}

		if err := s.submitAndWait(DestroyLink{OutputPort: handle.OutputPort, InputPort: handle.InputPort}); err != nil {
			s.linkerLogger.Warnw("Failed to destroy link", "link", handle, "error", err)
		}
	}
}

// DestroyObject asks the server to destroy any object by id
func (s *Session) DestroyObject(id uint32) error {
	if err := s.submitAndWait(DestroyObject{ID: id}); err != nil {
		return fmt.Errorf("destroy object %d: %w", id, err)
	}

	return nil
}

func collectPorts(ports []Port, outputNodeID uint32, inputNodeID uint32, probe bool) ([]Port, []Port) {
	var outputs, inputs []Port

	for _, port := range ports {
		switch {
		case port.NodeID == outputNodeID && port.Direction == DirectionOut:
			outputs = append(outputs, port)
		case port.NodeID == inputNodeID && port.Direction == DirectionIn:
			if probe && port.AudioChannel != channelProbeFrontLeft && port.AudioChannel != channelProbeFrontRight {
				continue
			}
			inputs = append(inputs, port)
		}
	}

	return outputs, inputs
}

// matchPorts pairs output with input ports. When both sides carry stereo labels they are matched
// by label, when neither does by port index. A mix of both can't be matched
func matchPorts(outputs []Port, inputs []Port, probe bool) ([]portPair, error) {
	var pairs []portPair

	if probe {
		for _, output := range outputs {
			for _, input := range inputs {
				if (output.AudioChannel == channelFrontLeft && input.AudioChannel == channelProbeFrontLeft) ||
					(output.AudioChannel == channelFrontRight && input.AudioChannel == channelProbeFrontRight) {
					pairs = append(pairs, portPair{output: output, input: input})
				}
			}
		}

		return pairs, nil
	}

	outputsLabelled := allStereo(outputs)
	inputsLabelled := allStereo(inputs)

	if outputsLabelled != inputsLabelled {
		return nil, errMixedChannelLabels
	}

	for _, output := range outputs {
		for _, input := range inputs {
			if outputsLabelled {
				if output.AudioChannel == input.AudioChannel {
					pairs = append(pairs, portPair{output: output, input: input})
				}
			} else if output.PortID == input.PortID {
				pairs = append(pairs, portPair{output: output, input: input})
			}
		}
	}

	return pairs, nil
}

func allStereo(ports []Port) bool {
	for _, port := range ports {
		if port.AudioChannel != channelFrontLeft && port.AudioChannel != channelFrontRight {
			return false
		}
	}

	return true
}
