package pwgraph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
)

// dumpObject is one element of a pw-dump array
type dumpObject struct {
	ID       uint32                 `json:"id"`
	Type     string                 `json:"type"`
	Info     json.RawMessage        `json:"info"`
	Props    map[string]interface{} `json:"props"`
	Metadata []dumpMetadataEntry    `json:"metadata"`
}

type dumpInfo struct {
	Name         string                       `json:"name"`
	Version      string                       `json:"version"`
	Filename     string                       `json:"filename"`
	NInputPorts  int                          `json:"n-input-ports"`
	NOutputPorts int                          `json:"n-output-ports"`
	State        string                       `json:"state"`
	Props        map[string]interface{}       `json:"props"`
	Params       map[string][]json.RawMessage `json:"params"`
}

type dumpMetadataEntry struct {
	Subject uint32          `json:"subject"`
	Key     string          `json:"key"`
	Type    string          `json:"type"`
	Value   json.RawMessage `json:"value"`
}

var nodeStates = map[string]NodeState{
	"error":     NodeStateError,
	"creating":  NodeStateCreating,
	"suspended": NodeStateSuspended,
	"idle":      NodeStateIdle,
	"running":   NodeStateRunning,
}

var linkStates = map[string]LinkState{
	"error":       LinkStateError,
	"unlinked":    LinkStateUnlinked,
	"init":        LinkStateInit,
	"negotiating": LinkStateNegotiating,
	"allocating":  LinkStateAllocating,
	"paused":      LinkStatePaused,
	"active":      LinkStateActive,
}

// dumpDecoder turns the snapshots printed by pw-dump into session events.
// pw-dump reprints a whole object on every change, so the decoder remembers what it has
// already announced and only reports the first sighting as a new global
type dumpDecoder struct {
	seen     map[uint32]ObjectType
	metadata map[uint32]map[string]string
}

func newDumpDecoder() *dumpDecoder {
	return &dumpDecoder{
		seen:     make(map[uint32]ObjectType),
		metadata: make(map[uint32]map[string]string),
	}
}

func (d *dumpDecoder) decode(objects []dumpObject) ([]Event, error) {
	var events []Event

	for _, object := range objects {
		decoded, err := d.decodeObject(object)
		if err != nil {
			return events, fmt.Errorf("decode object %d: %w", object.ID, err)
		}

		events = append(events, decoded...)
	}

	return events, nil
}

func (d *dumpDecoder) decodeObject(object dumpObject) ([]Event, error) {
	if isRemoval(object) {
		if _, ok := d.seen[object.ID]; !ok {
			return nil, nil
		}

		delete(d.seen, object.ID)
		delete(d.metadata, object.ID)

		return []Event{GlobalRemoved{ID: object.ID}}, nil
	}

	typ := ObjectType(object.Type)
	if typ == "" {
		// partial updates carry no type, reuse the one we know
		typ = d.seen[object.ID]
	}

	var info dumpInfo
	if len(object.Info) > 0 {
		decoder := json.NewDecoder(bytes.NewReader(object.Info))
		decoder.UseNumber()

		if err := decoder.Decode(&info); err != nil {
			return nil, fmt.Errorf("unmarshal info: %w", err)
		}
	}

	props := toProps(info.Props)
	if len(props) == 0 {
		props = toProps(object.Props)
	}

	if typ == TypeCore {
		return []Event{CoreInfo{Version: info.Version, Name: info.Name, Props: props}}, nil
	}

	var events []Event

	if _, ok := d.seen[object.ID]; !ok {
		if typ == "" {
			return nil, nil
		}

		d.seen[object.ID] = typ

		globalProps := props
		if typ == TypeMetadata {
			globalProps = toProps(object.Props)
		}

		events = append(events, GlobalAdded{ID: object.ID, Type: typ, Props: globalProps})
	}

	switch typ {
	case TypeNode:
		events = append(events, NodeInfoChanged{
			ID:           object.ID,
			State:        nodeStates[info.State],
			NInputPorts:  info.NInputPorts,
			NOutputPorts: info.NOutputPorts,
			Props:        props,
		})

		if param, ok := nodeParams(object.ID, info.Params); ok {
			events = append(events, param)
		}
	case TypeLink:
		state, ok := linkStates[info.State]
		if !ok {
			state = LinkStateInit
		}

		events = append(events, LinkInfoChanged{ID: object.ID, State: state})
	case TypeModule:
		events = append(events, ModuleInfoChanged{ID: object.ID, Filename: info.Filename, Props: props})
	case TypeClient:
		events = append(events, ClientInfoChanged{ID: object.ID, Props: props})
	case TypeDevice:
		events = append(events, DeviceInfoChanged{ID: object.ID, Props: props})
		events = append(events, deviceRoutes(object.ID, info.Params)...)
	case TypeMetadata:
		events = append(events, d.metadataChanges(object)...)
	}

	return events, nil
}

func isRemoval(object dumpObject) bool {
	return bytes.Equal(bytes.TrimSpace(object.Info), []byte("null")) && object.Metadata == nil
}

// metadataChanges reports only the entries that differ from the previous snapshot
func (d *dumpDecoder) metadataChanges(object dumpObject) []Event {
	previous := d.metadata[object.ID]
	current := make(map[string]string, len(object.Metadata))

	var events []Event

	for _, entry := range object.Metadata {
		value := metadataValue(entry.Value)
		id := fmt.Sprintf("%d/%s", entry.Subject, entry.Key)
		current[id] = value

		if old, ok := previous[id]; ok && old == value {
			continue
		}

		events = append(events, MetadataProperty{
			MetadataID: object.ID,
			Subject:    entry.Subject,
			Key:        entry.Key,
			Type:       entry.Type,
			Value:      value,
		})
	}

	// entries that vanished were cleared
	for id := range previous {
		if _, ok := current[id]; ok {
			continue
		}

		subjectText, key, _ := strings.Cut(id, "/")
		subject, _ := strconv.ParseUint(subjectText, 10, 32)

		events = append(events, MetadataProperty{MetadataID: object.ID, Subject: uint32(subject), Key: key})
	}

	d.metadata[object.ID] = current

	return events
}

// metadataValue renders a value the way the server stores it: JSON objects as their text, strings unquoted
func metadataValue(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}

	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			return text
		}
	}

	return string(raw)
}

func nodeParams(id uint32, params map[string][]json.RawMessage) (NodeParamChanged, bool) {
	event := NodeParamChanged{ID: id}
	found := false

	for _, raw := range params["Props"] {
		if mute, err := jsonparser.GetBoolean(raw, "mute"); err == nil {
			event.Mute = &mute
			found = true
		}

		var volumes []float32
		_, err := jsonparser.ArrayEach(raw, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
			if dataType != jsonparser.Number {
				return
			}

			if v, err := jsonparser.ParseFloat(value); err == nil {
				volumes = append(volumes, float32(v))
			}
		}, "channelVolumes")

		if err == nil && len(volumes) > 0 {
			event.ChannelVolumes = volumes
			found = true
		}
	}

	for _, raw := range params["Format"] {
		if format, err := jsonparser.GetString(raw, "format"); err == nil {
			event.Format = &format
			found = true
		}

		if rate, err := jsonparser.GetInt(raw, "rate"); err == nil {
			r := int(rate)
			event.Rate = &r
			found = true
		}
	}

	return event, found
}

func deviceRoutes(id uint32, params map[string][]json.RawMessage) []Event {
	var events []Event

	for _, raw := range params["Route"] {
		direction, err := jsonparser.GetString(raw, "direction")
		if err != nil {
			continue
		}

		name, _ := jsonparser.GetString(raw, "name")
		available, _ := jsonparser.GetString(raw, "available")

		route := DeviceRouteChanged{ID: id, Name: name, Available: parseAvailability(available)}

		switch direction {
		case "Input":
			route.Direction = DirectionIn
		case "Output":
			route.Direction = DirectionOut
		default:
			continue
		}

		events = append(events, route)
	}

	return events
}

func parseAvailability(value string) Availability {
	switch value {
	case "yes":
		return AvailabilityYes
	case "no":
		return AvailabilityNo
	}

	return AvailabilityUnknown
}

// toProps flattens typed JSON properties into the server's textual representation
func toProps(raw map[string]interface{}) Props {
	props := make(Props, len(raw))

	for key, value := range raw {
		switch v := value.(type) {
		case nil:
			continue
		case string:
			props[key] = v
		case json.Number:
			props[key] = v.String()
		case bool:
			props[key] = strconv.FormatBool(v)
		case float64:
			props[key] = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				continue
			}
			props[key] = string(encoded)
		}
	}

	return props
}

// commandArgs maps a command onto the command line tool invocation performing it
func commandArgs(cmd Command) (string, []string, error) {
	switch c := cmd.(type) {
	case CreateNode:
		props := Props{keyObjectLinger: "true"}
		for k, v := range c.Props {
			props[k] = v
		}

		return "pw-cli", []string{"create-node", c.Factory, propsLiteral(props)}, nil
	case CreateLink:
		args := []string{}
		if c.Passive {
			args = append(args, "--passive")
		}
		args = append(args, formatID(c.OutputPort), formatID(c.InputPort))

		return "pw-link", args, nil
	case DestroyLink:
		return "pw-link", []string{"--disconnect", formatID(c.OutputPort), formatID(c.InputPort)}, nil
	case DestroyObject:
		return "pw-cli", []string{"destroy", formatID(c.ID)}, nil
	case SetMetadata:
		if c.Value == "" && c.Type == "" {
			return "pw-metadata", []string{"-n", "default", "-d", formatID(c.Subject), c.Key}, nil
		}

		return "pw-metadata", []string{"-n", "default", formatID(c.Subject), c.Key, c.Value, c.Type}, nil
	case SetNodeParam:
		var fields []string

		if c.Mute != nil {
			fields = append(fields, "mute: "+strconv.FormatBool(*c.Mute))
		}

		if len(c.ChannelVolumes) > 0 {
			volumes := make([]string, len(c.ChannelVolumes))
			for i, v := range c.ChannelVolumes {
				volumes[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
			}
			fields = append(fields, "channelVolumes: [ "+strings.Join(volumes, ", ")+" ]")
		}

		if len(fields) == 0 {
			return "", nil, fmt.Errorf("set param on node %d: nothing to set", c.NodeID)
		}

		return "pw-cli", []string{"set-param", formatID(c.NodeID), "Props", "{ " + strings.Join(fields, ", ") + " }"}, nil
	}

	return "", nil, fmt.Errorf("unsupported command %T", cmd)
}

// propsLiteral renders props as a SPA JSON object, keys sorted so the output is stable
func propsLiteral(props Props) string {
	keys := make([]string, 0, len(props))
	for key := range props {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+quoteValue(props[key]))
	}

	return "{ " + strings.Join(parts, " ") + " }"
}

func quoteValue(value string) string {
	if value != "" && !strings.ContainsAny(value, " \t\"=:,{}[]") {
		return value
	}

	return strconv.Quote(value)
}

func formatID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
