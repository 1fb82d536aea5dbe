package collab

// PresenceRegistry maps connection ids to participant state for one room.
// Iteration follows join order; rejoining keeps the original slot.
// It is not safe for concurrent use; the owning Room serializes access.
type PresenceRegistry struct {
	order        []ConnectionID
	participants map[ConnectionID]*Participant
}

// NewPresenceRegistry returns an empty registry.
func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		participants: make(map[ConnectionID]*Participant),
	}
}

// Put inserts or overwrites the participant keyed by id and forces its ID field to match.
func (r *PresenceRegistry) Put(id ConnectionID, participant Participant) Participant {
	stored := participant.clone()
	stored.ID = id.String()
	if _, exists := r.participants[id]; !exists {
		r.order = append(r.order, id)
	}
	r.participants[id] = &stored
	return stored.clone()
}

// Get returns a copy of the participant registered under id.
func (r *PresenceRegistry) Get(id ConnectionID) (Participant, bool) {
	participant, ok := r.participants[id]
	if !ok {
		return Participant{}, false
	}
	return participant.clone(), true
}

// Remove deletes the participant and returns its last known state.
func (r *PresenceRegistry) Remove(id ConnectionID) (Participant, bool) {
	participant, ok := r.participants[id]
	if !ok {
		return Participant{}, false
	}
	delete(r.participants, id)
	for index, candidate := range r.order {
		if candidate == id {
			r.order = append(r.order[:index], r.order[index+1:]...)
			break
		}
	}
	return participant.clone(), true
}

// Len reports the number of participants.
func (r *PresenceRegistry) Len() int {
	return len(r.participants)
}

// Contains reports whether id is registered.
func (r *PresenceRegistry) Contains(id ConnectionID) bool {
	_, ok := r.participants[id]
	return ok
}

// IDs returns the connection ids in join order.
func (r *PresenceRegistry) IDs() []ConnectionID {
	ids := make([]ConnectionID, len(r.order))
	copy(ids, r.order)
	return ids
}

// Snapshot returns copies of every participant in join order.
func (r *PresenceRegistry) Snapshot() []Participant {
	return r.Others("")
}

// Others returns copies of every participant except the one registered under excluded.
// The result is never nil.
func (r *PresenceRegistry) Others(excluded ConnectionID) []Participant {
	result := make([]Participant, 0, len(r.order))
	for _, id := range r.order {
		if id == excluded {
			continue
		}
		result = append(result, r.participants[id].clone())
	}
	return result
}

// SetCursor replaces the participant's cursor. A nil cursor clears it.
func (r *PresenceRegistry) SetCursor(id ConnectionID, cursor *Cursor) (Participant, bool) {
	participant, ok := r.participants[id]
	if !ok {
		return Participant{}, false
	}
	if cursor == nil {
		participant.Cursor = nil
	} else {
		copied := *cursor
		participant.Cursor = &copied
	}
	return participant.clone(), true
}

// SetTyping records whether the participant is typing and in which block.
func (r *PresenceRegistry) SetTyping(id ConnectionID, typing bool, blockID string) (Participant, bool) {
	participant, ok := r.participants[id]
	if !ok {
		return Participant{}, false
	}
	participant.IsTyping = typing
	if typing {
		participant.TypingBlockID = blockID
	} else {
		participant.TypingBlockID = ""
	}
	return participant.clone(), true
}
