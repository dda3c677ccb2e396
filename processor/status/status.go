// Package status collects the human readable notes of one processing run
package status

import "strings"

type Status struct {
	notes []string
}

func New() *Status {
	return &Status{}
}

func (s *Status) Add(note string) {
	s.notes = append(s.notes, note)
}

func (s *Status) AddMany(notes ...string) {
	s.notes = append(s.notes, notes...)
}

// Notes returns a copy of the recorded notes in order.
func (s *Status) Notes() []string {
	return append([]string{}, s.notes...)
}

func (s *Status) Len() int {
	return len(s.notes)
}

func (s *Status) String() string {
	return strings.Join(s.notes, "\n")
}
