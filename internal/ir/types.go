package ir

import "fmt"

// ModuleInstanceKey addresses one state-owning module instance.
type ModuleInstanceKey struct {
	ModuleID   string `json:"module_id"`
	InstanceID string `json:"instance_id"`
}

// Key builds a ModuleInstanceKey.
func Key(moduleID, instanceID string) ModuleInstanceKey {
	return ModuleInstanceKey{ModuleID: moduleID, InstanceID: instanceID}
}

// String renders the key as "module#instance".
func (k ModuleInstanceKey) String() string {
	return k.ModuleID + "#" + k.InstanceID
}

// ParseKey parses the "module#instance" form produced by String.
func ParseKey(s string) (ModuleInstanceKey, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '#' {
			if i == 0 || i == len(s)-1 {
				break
			}
			return Key(s[:i], s[i+1:]), nil
		}
	}
	return ModuleInstanceKey{}, fmt.Errorf("invalid module instance key %q: want module#instance", s)
}

// Priority orders commits and dirty topics. Higher wins.
type Priority int

const (
	// PriorityLow marks bulk or background work (the non-urgent lane).
	PriorityLow Priority = iota + 1
	// PriorityUrgent marks interactive work (the urgent lane).
	PriorityUrgent
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses "urgent" or "low". Empty means urgent.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "urgent":
		return PriorityUrgent, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q: want urgent or low", s)
	}
}

// Higher returns the higher of p and q.
func (p Priority) Higher(q Priority) Priority {
	if q > p {
		return q
	}
	return p
}

// OriginKind says what kind of source produced a commit.
type OriginKind string

const (
	OriginDispatch      OriginKind = "dispatch"
	OriginExternalStore OriginKind = "externalStore"
	OriginTimer         OriginKind = "timer"
	OriginLink          OriginKind = "link"
	OriginUnknown       OriginKind = "unknown"
)

// CommitMeta carries scheduling and provenance metadata for a commit.
type CommitMeta struct {
	Priority   Priority   `json:"priority"`
	OriginKind OriginKind `json:"origin_kind"`
	OriginName string     `json:"origin_name,omitempty"`
	TxnSeq     int64      `json:"txn_seq"`
	TxnID      string     `json:"txn_id"`
}

// Commit is an accepted state transition for one module instance.
// Immutable once queued.
type Commit struct {
	Key        ModuleInstanceKey `json:"key"`
	ModuleID   string            `json:"module_id"`
	InstanceID string            `json:"instance_id"`
	State      Value             `json:"state"`
	Meta       CommitMeta        `json:"meta"`
	OpSeq      int64             `json:"op_seq"`
}

// NewCommit builds a commit whose ModuleID/InstanceID mirror key.
func NewCommit(key ModuleInstanceKey, state Value, meta CommitMeta, opSeq int64) Commit {
	return Commit{
		Key:        key,
		ModuleID:   key.ModuleID,
		InstanceID: key.InstanceID,
		State:      state,
		Meta:       meta,
		OpSeq:      opSeq,
	}
}

// TopicKey names a subscribable read topic.
type TopicKey string

// ModuleTopic is the topic dirtied by every commit of key.
func ModuleTopic(key ModuleInstanceKey) TopicKey {
	return TopicKey("module:" + key.String())
}

// SelectorTopic is the topic of one derived read (selector) of key.
func SelectorTopic(key ModuleInstanceKey, topicID string) TopicKey {
	return TopicKey(key.String() + "::" + topicID)
}

// PatchReason says which writer produced a StatePatch.
type PatchReason string

const (
	ReasonTraitComputed PatchReason = "trait-computed"
	ReasonTraitLink     PatchReason = "trait-link"
	ReasonModuleLink    PatchReason = "module-link"
)

// StatePatch records one changed field of one convergence pass.
// Audit only: never mutated after creation.
type StatePatch struct {
	Path   string      `json:"path"`
	From   Value       `json:"from"`
	To     Value       `json:"to"`
	Reason PatchReason `json:"reason"`
	StepID string      `json:"step_id"`
}
