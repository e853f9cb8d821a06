package ir

// TopicEntry is one dirty read topic: the instance it belongs to and the
// highest priority it was marked with.
type TopicEntry struct {
	Key      ModuleInstanceKey
	Priority Priority
}

// PendingDrain accumulates commits and dirty topics that are not yet
// visible. Both are kept in first-arrival order.
//
// Merge rules:
//   - A later commit for the same key replaces the earlier state but keeps
//     its queue position
//   - Priority for the same key or topic only ever rises: a later value
//     wins only if strictly higher
//
// Every commit also dirties ModuleTopic(key) with the commit's priority.
//
// Not safe for concurrent use; owners guard it.
type PendingDrain struct {
	order      []ModuleInstanceKey
	modules    map[ModuleInstanceKey]Commit
	topicOrder []TopicKey
	topics     map[TopicKey]TopicEntry
}

// NewPendingDrain creates an empty drain.
func NewPendingDrain() *PendingDrain {
	return &PendingDrain{
		modules: make(map[ModuleInstanceKey]Commit),
		topics:  make(map[TopicKey]TopicEntry),
	}
}

// AddCommit records c, merging with any earlier commit for the same key.
func (d *PendingDrain) AddCommit(c Commit) {
	if prev, ok := d.modules[c.Key]; ok {
		c.Meta.Priority = prev.Meta.Priority.Higher(c.Meta.Priority)
	} else {
		d.order = append(d.order, c.Key)
	}
	d.modules[c.Key] = c
	d.AddTopic(ModuleTopic(c.Key), c.Key, c.Meta.Priority)
}

// AddTopic marks topic dirty.
func (d *PendingDrain) AddTopic(topic TopicKey, key ModuleInstanceKey, p Priority) {
	if prev, ok := d.topics[topic]; ok {
		prev.Priority = prev.Priority.Higher(p)
		d.topics[topic] = prev
		return
	}
	d.topicOrder = append(d.topicOrder, topic)
	d.topics[topic] = TopicEntry{Key: key, Priority: p}
}

// Merge folds other into d, as if other's items arrived after d's.
func (d *PendingDrain) Merge(other *PendingDrain) {
	if other == nil {
		return
	}
	for _, k := range other.order {
		c := other.modules[k]
		if prev, ok := d.modules[k]; ok {
			c.Meta.Priority = prev.Meta.Priority.Higher(c.Meta.Priority)
		} else {
			d.order = append(d.order, k)
		}
		d.modules[k] = c
	}
	for _, t := range other.topicOrder {
		e := other.topics[t]
		d.AddTopic(t, e.Key, e.Priority)
	}
}

// Commits returns the pending commits in queue order.
func (d *PendingDrain) Commits() []Commit {
	out := make([]Commit, len(d.order))
	for i, k := range d.order {
		out[i] = d.modules[k]
	}
	return out
}

// Commit returns the pending commit for key.
func (d *PendingDrain) Commit(key ModuleInstanceKey) (Commit, bool) {
	c, ok := d.modules[key]
	return c, ok
}

// Topics returns the dirty topics in queue order.
func (d *PendingDrain) Topics() []TopicKey {
	out := make([]TopicKey, len(d.topicOrder))
	copy(out, d.topicOrder)
	return out
}

// Topic returns the entry for a dirty topic.
func (d *PendingDrain) Topic(t TopicKey) (TopicEntry, bool) {
	e, ok := d.topics[t]
	return e, ok
}

// Len returns the number of pending commits.
func (d *PendingDrain) Len() int { return len(d.order) }

// TopicLen returns the number of dirty topics.
func (d *PendingDrain) TopicLen() int { return len(d.topicOrder) }

// Empty reports whether there is nothing pending.
func (d *PendingDrain) Empty() bool {
	return len(d.order) == 0 && len(d.topicOrder) == 0
}
