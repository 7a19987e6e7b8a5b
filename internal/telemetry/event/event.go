// Package event defines the wire shape of a telemetry event, shared by the
// emitter (producer side) and the hub (fan-out/consumer side), per
// spec.md §4.6/§4.7/§6: one JSON object per frame, tagged by "type", always
// carrying "nodeId" and "timestamp" alongside type-specific fields.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the telemetry event's tag, spec.md §3's "Telemetry Event" variant.
type Type string

const (
	TypeNodeStatus           Type = "NodeStatus"
	TypePacketSent           Type = "PacketSent"
	TypePacketReceived       Type = "PacketReceived"
	TypeRouteLookup          Type = "RouteLookup"
	TypeLog                  Type = "Log"
	TypeAccountBalance       Type = "AccountBalance"
	TypeSettlementTriggered  Type = "SettlementTriggered"
	TypeSettlementCompleted  Type = "SettlementCompleted"
	TypeChannelOpened        Type = "ChannelOpened"
	TypeChannelBalanceUpdate Type = "ChannelBalanceUpdate"
	TypeChannelSettled       Type = "ChannelSettled"
)

// Event is one telemetry occurrence. Fields carries the type-specific
// payload (e.g. a NodeStatus event's "status", a PacketSent event's
// "direction"/"destination") and is flattened alongside type/nodeId/timestamp
// on the wire rather than nested, matching spec.md §6's ingest message
// shape.
type Event struct {
	Type      Type
	NodeID    string
	Timestamp time.Time
	Fields    map[string]any
}

// reservedKeys are the envelope fields; a Fields entry under one of these
// names would collide with the envelope on the wire and is dropped rather
// than silently shadowing it.
var reservedKeys = map[string]struct{}{
	"type":      {},
	"nodeId":    {},
	"timestamp": {},
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		out[k] = v
	}
	out["type"] = e.Type
	out["nodeId"] = e.NodeID
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("event: invalid json: %w", err)
	}

	typeRaw, ok := raw["type"]
	if !ok {
		return fmt.Errorf("event: missing required field %q", "type")
	}
	var typ string
	if err := json.Unmarshal(typeRaw, &typ); err != nil || typ == "" {
		return fmt.Errorf("event: %q must be a non-empty string", "type")
	}

	nodeIDRaw, ok := raw["nodeId"]
	if !ok {
		return fmt.Errorf("event: missing required field %q", "nodeId")
	}
	var nodeID string
	if err := json.Unmarshal(nodeIDRaw, &nodeID); err != nil || nodeID == "" {
		return fmt.Errorf("event: %q must be a non-empty string", "nodeId")
	}

	ts := time.Now().UTC()
	if tsRaw, ok := raw["timestamp"]; ok {
		var tsStr string
		if err := json.Unmarshal(tsRaw, &tsStr); err == nil {
			if parsed, err := time.Parse(time.RFC3339Nano, tsStr); err == nil {
				ts = parsed
			}
		}
	}

	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return fmt.Errorf("event: field %q: %w", k, err)
		}
		fields[k] = decoded
	}

	e.Type = Type(typ)
	e.NodeID = nodeID
	e.Timestamp = ts
	e.Fields = fields
	return nil
}
