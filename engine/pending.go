package engine

import "roomcrypt/domain"

// pendingQueue holds encrypted room events whose session key has not
// arrived yet. Bounded: once full, the oldest entry is dropped, since an
// event whose key never arrives is undecryptable anyway.
type pendingQueue struct {
	limit  int
	events []domain.EncryptedRoomMessage
}

func newPendingQueue(limit int) *pendingQueue {
	return &pendingQueue{limit: limit}
}

func (q *pendingQueue) add(ev domain.EncryptedRoomMessage) {
	if len(q.events) >= q.limit {
		q.events = q.events[1:]
	}
	q.events = append(q.events, ev)
}

// take removes and returns every queued event for (roomID, sessionID).
func (q *pendingQueue) take(roomID, sessionID string) []domain.EncryptedRoomMessage {
	var matched, rest []domain.EncryptedRoomMessage
	for _, ev := range q.events {
		if ev.RoomID == roomID && ev.SessionID == sessionID {
			matched = append(matched, ev)
		} else {
			rest = append(rest, ev)
		}
	}
	q.events = rest
	return matched
}

func (q *pendingQueue) len() int { return len(q.events) }
