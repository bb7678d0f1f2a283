package sessions

import (
	"maps"
	"slices"
)

// Attribute returns a value stored with SetAttribute.
func (s *Session) Attribute(name string) (any, bool) {
	s.attrMu.RLock()
	defer s.attrMu.RUnlock()
	v, ok := s.attributes[name]
	return v, ok
}

func (s *Session) SetAttribute(name string, value any) {
	s.attrMu.Lock()
	s.attributes[name] = value
	s.attrMu.Unlock()
}

// RemoveAttribute deletes name and returns its previous value.
func (s *Session) RemoveAttribute(name string) (any, bool) {
	s.attrMu.Lock()
	defer s.attrMu.Unlock()
	v, ok := s.attributes[name]
	delete(s.attributes, name)
	return v, ok
}

// AttributeNames returns the attribute names in sorted order.
func (s *Session) AttributeNames() []string {
	s.attrMu.RLock()
	defer s.attrMu.RUnlock()
	return slices.Sorted(maps.Keys(s.attributes))
}
