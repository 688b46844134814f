package session

import (
	"sort"
	"time"
)

// Upcoming returns the unplayed items in the order Advance will pick them.
func (a *Aggregate) Upcoming() []QueueItem {
	out := make([]QueueItem, 0, len(a.Queue))
	for _, it := range a.Queue {
		if !it.Played {
			out = append(out, *it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return queueLess(&out[i], &out[j]) })
	return out
}

// queueLess orders by position, then by submission time. Equal positions
// shouldn't happen under the append algorithm but are tolerated.
func queueLess(x, y *QueueItem) bool {
	if x.Position != y.Position {
		return x.Position < y.Position
	}
	if !x.AddedAt.Equal(y.AddedAt) {
		return x.AddedAt.Before(y.AddedAt)
	}
	return x.ID < y.ID
}

func (a *Aggregate) maxUnplayedPosition() int {
	highest := 0
	for _, it := range a.Queue {
		if !it.Played && it.Position > highest {
			highest = it.Position
		}
	}
	return highest
}

// Enqueue appends track at the end of the unplayed queue.
func (a *Aggregate) Enqueue(actorID, itemID string, track Track, now time.Time) (*QueueItem, error) {
	if !a.Session.Active {
		return nil, ErrSessionEnded
	}
	if track.ID == "" {
		return nil, invalidArgument("track id is required")
	}
	if !a.capabilities(actorID).MutateQueue {
		return nil, ErrForbidden
	}

	it := &QueueItem{
		ID:        itemID,
		SessionID: a.Session.ID,
		Track:     track,
		AddedBy:   actorID,
		Position:  a.maxUnplayedPosition() + 1,
		AddedAt:   now,
	}
	a.Queue = append(a.Queue, it)
	a.touchQueueItem(it.ID)
	return it, nil
}

// DequeueNext takes the lowest-position unplayed item and marks it played
// in the same step, so an item is handed out at most once. It returns nil
// when the queue is exhausted.
func (a *Aggregate) DequeueNext() *QueueItem {
	var next *QueueItem
	for _, it := range a.Queue {
		if it.Played {
			continue
		}
		if next == nil || queueLess(it, next) {
			next = it
		}
	}
	if next == nil {
		return nil
	}
	next.Played = true
	a.touchQueueItem(next.ID)
	return next
}

// RemoveQueueItem deletes an unplayed item. Played items are history and
// can't be removed. Remaining positions are not renumbered; selection is by
// minimum position so gaps are harmless.
func (a *Aggregate) RemoveQueueItem(actorID, itemID string) (*QueueItem, error) {
	if !a.Session.Active {
		return nil, ErrSessionEnded
	}
	idx := -1
	for i, it := range a.Queue {
		if it.ID == itemID && !it.Played {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrQueueItemNotFound
	}
	it := a.Queue[idx]
	if !a.capabilities(actorID).CanRemoveQueueItem(it) {
		return nil, ErrForbidden
	}

	a.Queue = append(a.Queue[:idx], a.Queue[idx+1:]...)
	a.deleteQueueItem(it.ID)
	return it, nil
}

// MoveQueueItem reorders an unplayed item. Every unplayed item between the
// old and the new position shifts by one towards the vacated slot, then the
// moved item takes the new position; the whole batch is written together.
// It returns the effective old and new positions.
func (a *Aggregate) MoveQueueItem(actorID, itemID string, newPos int) (from, to int, err error) {
	if !a.Session.Active {
		return 0, 0, ErrSessionEnded
	}
	if !a.capabilities(actorID).MutateQueue {
		return 0, 0, ErrForbidden
	}
	it := a.QueueItem(itemID)
	if it == nil || it.Played {
		return 0, 0, ErrQueueItemNotFound
	}
	if newPos < 1 {
		return 0, 0, invalidArgument("position must be >= 1")
	}

	from = it.Position
	to = newPos
	if last := a.maxUnplayedPosition(); to > last {
		to = last
	}
	if to == from {
		return from, to, nil
	}

	for _, other := range a.Queue {
		if other.Played || other.ID == it.ID {
			continue
		}
		switch {
		case to > from && other.Position > from && other.Position <= to:
			other.Position--
			a.touchQueueItem(other.ID)
		case to < from && other.Position >= to && other.Position < from:
			other.Position++
			a.touchQueueItem(other.ID)
		}
	}
	it.Position = to
	a.touchQueueItem(it.ID)
	return from, to, nil
}
