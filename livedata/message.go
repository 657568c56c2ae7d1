// Copyright 2022-2023 The livedata Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package livedata defines the data model shared by the live data server, its
// consumers and its collaborators: field messages, specifications, normalization
// rule sets, and the subscription request / response protocol.
package livedata

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Field is one named value of a Message
type Field struct {
	// Name is the field name
	Name string `json:"name"`
	// Value is the field value. Values must be JSON encodable.
	Value interface{} `json:"value"`
}

// Message is an ordered set of named values. Setting a field which already
// exists replaces its value in place.
//
// Message is a value type: every method returns a new Message and leaves the
// receiver untouched.
type Message struct {
	fields []Field
	index  map[string]int
}

// NewMessage define a message from a list of fields. Later duplicates win.
func NewMessage(fields ...Field) Message {
	m := Message{}
	for _, f := range fields {
		m.put(f.Name, f.Value)
	}
	return m
}

// put set a field in place. Only used while building a fresh message.
func (m *Message) put(name string, value interface{}) {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if idx, ok := m.index[name]; ok {
		m.fields[idx].Value = value
		return
	}
	m.index[name] = len(m.fields)
	m.fields = append(m.fields, Field{Name: name, Value: value})
}

func (m Message) clone() Message {
	c := Message{}
	if len(m.fields) == 0 {
		return c
	}
	c.fields = make([]Field, len(m.fields))
	copy(c.fields, m.fields)
	c.index = make(map[string]int, len(m.index))
	for k, v := range m.index {
		c.index[k] = v
	}
	return c
}

// Len number of fields
func (m Message) Len() int {
	return len(m.fields)
}

// IsEmpty whether the message has no fields
func (m Message) IsEmpty() bool {
	return len(m.fields) == 0
}

// Get fetch a field value
func (m Message) Get(name string) (interface{}, bool) {
	if idx, ok := m.index[name]; ok {
		return m.fields[idx].Value, true
	}
	return nil, false
}

// Has whether the message carries a field
func (m Message) Has(name string) bool {
	_, ok := m.index[name]
	return ok
}

// Fields copy of the fields in order
func (m Message) Fields() []Field {
	result := make([]Field, len(m.fields))
	copy(result, m.fields)
	return result
}

// Names the field names in order
func (m Message) Names() []string {
	result := make([]string, len(m.fields))
	for idx, f := range m.fields {
		result[idx] = f.Name
	}
	return result
}

// With a copy of the message with one field set
func (m Message) With(name string, value interface{}) Message {
	c := m.clone()
	c.put(name, value)
	return c
}

// Merge a copy of the message with every field of other set on top of it
func (m Message) Merge(other Message) Message {
	c := m.clone()
	for _, f := range other.fields {
		c.put(f.Name, f.Value)
	}
	return c
}

// Filter a copy of the message holding only the fields accepted by keep
func (m Message) Filter(keep func(f Field) bool) Message {
	c := Message{}
	for _, f := range m.fields {
		if keep(f) {
			c.put(f.Name, f.Value)
		}
	}
	return c
}

// Without a copy of the message with the named fields removed
func (m Message) Without(names ...string) Message {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	return m.Filter(func(f Field) bool { return !drop[f.Name] })
}

// String toString for Message
func (m Message) String() string {
	return fmt.Sprintf("%v", m.fields)
}

// MarshalJSON encode the message as an ordered list of fields
func (m Message) MarshalJSON() ([]byte, error) {
	if m.fields == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m.fields)
}

// UnmarshalJSON decode a message from an ordered list of fields
func (m *Message) UnmarshalJSON(data []byte) error {
	var fields []Field
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*m = NewMessage(fields...)
	return nil
}

// ==============================================================================

// FieldHistory read access to the last known values of a stream of messages
type FieldHistory interface {
	// LastKnownValues the merged view of every message received so far
	LastKnownValues() Message
}

// FieldHistoryStore keeps the last value of every field seen
type FieldHistoryStore struct {
	lock    sync.RWMutex
	current Message
}

// NewFieldHistoryStore define a field history store, optionally seeded
func NewFieldHistoryStore(seed ...Message) *FieldHistoryStore {
	s := &FieldHistoryStore{}
	for _, msg := range seed {
		s.LiveDataReceived(msg)
	}
	return s
}

// LiveDataReceived merge a new message into the history
func (s *FieldHistoryStore) LiveDataReceived(msg Message) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.current = s.current.Merge(msg)
}

// LastKnownValues the merged view of every message received so far
func (s *FieldHistoryStore) LastKnownValues() Message {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.current
}

// IsEmpty whether anything was received
func (s *FieldHistoryStore) IsEmpty() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.current.IsEmpty()
}

// Clear forget all history
func (s *FieldHistoryStore) Clear() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.current = Message{}
}
