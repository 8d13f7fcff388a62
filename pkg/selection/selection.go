// Package selection holds the operator's choice of which scanned images to
// import. It is pure in-memory state with no I/O.
package selection

import (
	stderrors "errors"
	"fmt"
)

// ErrUnknownImage is returned for an image id outside the scan's catalog,
// which usually means the caller holds a stale scan result.
var ErrUnknownImage = stderrors.New("unknown image id")

// Selection is the set of images marked for import from one scan session.
// It is not safe for concurrent use.
type Selection struct {
	sessionID     string
	order         []string
	universe      map[string]struct{}
	selected      map[string]struct{}
	createDevices bool
}

// New returns a selection over imageIDs with every image selected and
// missing device types created.
func New(sessionID string, imageIDs []string) *Selection {
	s := &Selection{
		sessionID:     sessionID,
		order:         append([]string(nil), imageIDs...),
		universe:      make(map[string]struct{}, len(imageIDs)),
		selected:      make(map[string]struct{}, len(imageIDs)),
		createDevices: true,
	}
	for _, id := range imageIDs {
		s.universe[id] = struct{}{}
	}
	s.SelectAll()
	return s
}

// SessionID is the scan session the selection belongs to.
func (s *Selection) SessionID() string { return s.sessionID }

// SelectAll marks every image.
func (s *Selection) SelectAll() {
	for id := range s.universe {
		s.selected[id] = struct{}{}
	}
}

// SelectNone clears the selection.
func (s *Selection) SelectNone() {
	clear(s.selected)
}

// Toggle flips one image.
func (s *Selection) Toggle(imageID string) error {
	if _, ok := s.universe[imageID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownImage, imageID)
	}
	if _, ok := s.selected[imageID]; ok {
		delete(s.selected, imageID)
	} else {
		s.selected[imageID] = struct{}{}
	}
	return nil
}

// Select replaces the selection with exactly imageIDs. Nothing changes if any
// id is unknown.
func (s *Selection) Select(imageIDs ...string) error {
	for _, id := range imageIDs {
		if _, ok := s.universe[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownImage, id)
		}
	}
	s.SelectNone()
	for _, id := range imageIDs {
		s.selected[id] = struct{}{}
	}
	return nil
}

// Deselect removes imageIDs from the selection. Nothing changes if any id is
// unknown.
func (s *Selection) Deselect(imageIDs ...string) error {
	for _, id := range imageIDs {
		if _, ok := s.universe[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownImage, id)
		}
	}
	for _, id := range imageIDs {
		delete(s.selected, id)
	}
	return nil
}

// IsSelected reports whether imageID is marked.
func (s *Selection) IsSelected(imageID string) bool {
	_, ok := s.selected[imageID]
	return ok
}

// Selected returns the marked ids in catalog order.
func (s *Selection) Selected() []string {
	out := make([]string, 0, len(s.selected))
	for _, id := range s.order {
		if _, ok := s.selected[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Len is the number of marked images.
func (s *Selection) Len() int { return len(s.selected) }

// IsImportable is true iff at least one image is marked.
func (s *Selection) IsImportable() bool { return len(s.selected) > 0 }

// CreateMissingDeviceTypes reports whether unseen device definitions become
// new catalog entries on import.
func (s *Selection) CreateMissingDeviceTypes() bool { return s.createDevices }

// SetCreateMissingDeviceTypes sets the create-missing flag.
func (s *Selection) SetCreateMissingDeviceTypes(v bool) { s.createDevices = v }

// Clone returns an independent copy.
func (s *Selection) Clone() *Selection {
	c := New(s.sessionID, s.order)
	c.SelectNone()
	for id := range s.selected {
		c.selected[id] = struct{}{}
	}
	c.createDevices = s.createDevices
	return c
}
