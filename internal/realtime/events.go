package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/initforge/u.i-conhon-sub001/internal/schedule"
	"github.com/initforge/u.i-conhon-sub001/internal/switches"
)

// EventType names a push event.
type EventType string

const (
	EventConnected        EventType = "connected"
	EventHeartbeat        EventType = "heartbeat"
	EventSwitchUpdate     EventType = "switch_update"
	EventPoolConfigUpdate EventType = "pool_config_update"
)

// ErrMalformed wraps every push message rejected by ParseEvent.
var ErrMalformed = errors.New("malformed push event")

// Envelope is the wire frame of every push message.
type Envelope struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Event is one of Connected, Heartbeat, SwitchUpdate or PoolConfigUpdate.
type Event interface {
	Type() EventType
}

// Connected is sent by the server once per connection.
type Connected struct {
	ClientID string `json:"clientId"`
}

// Heartbeat keeps the connection alive.
type Heartbeat struct {
	At time.Time
}

// SwitchUpdate carries a full replacement switch set.
type SwitchUpdate struct {
	Switches switches.SwitchSet
}

// PoolConfigUpdate carries replacement pool configs.
type PoolConfigUpdate struct {
	Configs []schedule.PoolConfig
}

func (Connected) Type() EventType        { return EventConnected }
func (Heartbeat) Type() EventType        { return EventHeartbeat }
func (SwitchUpdate) Type() EventType     { return EventSwitchUpdate }
func (PoolConfigUpdate) Type() EventType { return EventPoolConfigUpdate }

type switchPayload struct {
	Master *bool           `json:"master"`
	Pools  map[string]bool `json:"pools"`
}

// ParseEvent decodes and validates a push frame. Unknown types and payloads
// missing required fields are rejected with ErrMalformed.
func ParseEvent(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case EventConnected:
		var ev Connected
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &ev); err != nil {
				return nil, fmt.Errorf("%w: connected: %v", ErrMalformed, err)
			}
		}
		return ev, nil

	case EventHeartbeat:
		return Heartbeat{At: env.Timestamp}, nil

	case EventSwitchUpdate:
		var p switchPayload
		if err := decodeData(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: switch_update: %v", ErrMalformed, err)
		}
		if p.Master == nil {
			return nil, fmt.Errorf("%w: switch_update: master is required", ErrMalformed)
		}
		set := switches.SwitchSet{Master: *p.Master, Pools: p.Pools}
		if set.Pools == nil {
			set.Pools = map[string]bool{}
		}
		return SwitchUpdate{Switches: set}, nil

	case EventPoolConfigUpdate:
		var cfgs []schedule.PoolConfig
		if err := decodeData(env.Data, &cfgs); err != nil {
			return nil, fmt.Errorf("%w: pool_config_update: %v", ErrMalformed, err)
		}
		for i, c := range cfgs {
			if err := c.Validate(); err != nil {
				return nil, fmt.Errorf("%w: pool_config_update[%d]: %v", ErrMalformed, i, err)
			}
		}
		return PoolConfigUpdate{Configs: cfgs}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
}

func decodeData(data json.RawMessage, out any) error {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return errors.New("missing data")
	}
	return json.Unmarshal(data, out)
}
