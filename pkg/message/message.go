package message

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/types"
)

// Action names the kind of a message and selects its body type
type Action string

const (
	// RA -> FM
	ActionNodeUp                  Action = "NodeUp"
	ActionNodeHeartbeat           Action = "NodeHeartbeat"
	ActionReplicaUp               Action = "ReplicaUp"
	ActionReplicaEndpointUpdated  Action = "ReplicaEndpointUpdated"
	ActionLoadReport              Action = "LoadReport"
	ActionReconfigurationComplete Action = "ReconfigurationComplete"
	ActionNodeFabricUpgradeReply  Action = "NodeFabricUpgradeReply"

	// FM -> RA
	ActionNodeUpAck                   Action = "NodeUpAck"
	ActionReplicaUpReply              Action = "ReplicaUpReply"
	ActionReplicaEndpointUpdatedReply Action = "ReplicaEndpointUpdatedReply"
	ActionDoReconfiguration           Action = "DoReconfiguration"
	ActionUpdateConfiguration         Action = "UpdateConfiguration"
	ActionAddReplica                  Action = "AddReplica"
	ActionDeleteReplica               Action = "DeleteReplica"
	ActionNodeFabricUpgrade           Action = "NodeFabricUpgrade"

	// Administrative requests to the FM
	ActionFabricUpgradeRequest Action = "FabricUpgradeRequest"
	ActionPLBSafetyCheck       Action = "PLBSafetyCheck"
	ActionQueryFailoverUnits   Action = "QueryFailoverUnits"
	ActionCreateFailoverUnit   Action = "CreateFailoverUnit"

	// FM replica set membership, answered by the FM primary
	ActionAddFMReplica    Action = "AddFMReplica"
	ActionRemoveFMReplica Action = "RemoveFMReplica"

	// ActionAck is the body-less reply to a request
	ActionAck Action = "Ack"
)

// Priority orders delivery when a transport has to choose
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Message is the envelope exchanged between nodes and the FM
type Message struct {
	Action     Action
	ActivityID string
	Priority   Priority `json:",omitempty"`
	// IsLast marks the final message of a multi-message upload
	IsLast bool `json:",omitempty"`
	// From is the transport address replies go to
	From         string          `json:",omitempty"`
	ErrorCode    string          `json:",omitempty"`
	ErrorMessage string          `json:",omitempty"`
	Body         json.RawMessage `json:",omitempty"`
}

// New builds a message with a fresh activity id
func New(action Action, body interface{}) (*Message, error) {
	return NewWithActivity(action, types.NewActivityID(), body)
}

// NewWithActivity builds a message correlated with an existing activity
func NewWithActivity(action Action, activityID string, body interface{}) (*Message, error) {
	m := &Message{Action: action, ActivityID: activityID}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode %s body", action)
		}
		m.Body = data
	}
	return m, nil
}

// Reply builds the answer to m; the activity id and priority carry over
func Reply(m *Message, action Action, body interface{}) (*Message, error) {
	r, err := NewWithActivity(action, m.ActivityID, body)
	if err != nil {
		return nil, err
	}
	r.Priority = m.Priority
	return r, nil
}

// ErrorReply builds a reply carrying err as a wire error code
func ErrorReply(m *Message, err error) *Message {
	return &Message{
		Action:       ActionAck,
		ActivityID:   m.ActivityID,
		Priority:     m.Priority,
		ErrorCode:    errcode.Code(err),
		ErrorMessage: err.Error(),
	}
}

// NotPrimaryReply rejects m and names the address of the current primary
func NotPrimaryReply(m *Message, err error, primaryAddress string) *Message {
	r := ErrorReply(m, err)
	if data, merr := json.Marshal(NotPrimaryBody{PrimaryAddress: primaryAddress}); merr == nil {
		r.Body = data
	}
	return r
}

// Err returns the error carried by a reply, or nil
func (m *Message) Err() error {
	return errcode.FromCode(m.ErrorCode, m.ErrorMessage)
}

// Decode unmarshals the body into v
func (m *Message) Decode(v interface{}) error {
	if len(m.Body) == 0 {
		return errors.Wrapf(errcode.ErrInvalidArgument, "%s message has no body", m.Action)
	}
	if err := json.Unmarshal(m.Body, v); err != nil {
		return errors.Wrapf(errcode.ErrInvalidArgument, "invalid %s body: %v", m.Action, err)
	}
	return nil
}

// Clone returns a deep copy safe to hand to another goroutine
func (m *Message) Clone() *Message {
	c := *m
	c.Body = append(json.RawMessage(nil), m.Body...)
	return &c
}

// Marshal encodes the whole envelope
func Marshal(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes an envelope produced by Marshal
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(errcode.ErrInvalidArgument, "invalid message: %v", err)
	}
	if m.Action == "" {
		return nil, errors.Wrap(errcode.ErrInvalidArgument, "message without action")
	}
	return &m, nil
}
