// Package baggage parses and formats the Correlation-Context header: a comma
// separated list of key=value pairs propagated to every downstream operation.
package baggage

import (
	"strings"
)

const (
	entrySeparator = ","
	keySeparator   = "="
)

// Property is a single baggage entry.
type Property struct {
	Key   string
	Value string
}

// Properties is an ordered set of baggage entries with unique keys.
type Properties []Property

// Get returns the value stored under key.
func (p Properties) Get(key string) (string, bool) {
	for _, prop := range p {
		if prop.Key == key {
			return prop.Value, true
		}
	}

	return "", false
}

// Len returns the number of entries.
func (p Properties) Len() int {
	return len(p)
}

// Keys returns the keys in insertion order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for _, prop := range p {
		keys = append(keys, prop.Key)
	}

	return keys
}

// Map returns the entries as a map.
func (p Properties) Map() map[string]string {
	m := make(map[string]string, len(p))
	for _, prop := range p {
		m[prop.Key] = prop.Value
	}

	return m
}

// Format renders the entries as a header value.
func (p Properties) Format() string {
	var sb strings.Builder
	for i, prop := range p {
		if i > 0 {
			sb.WriteString(entrySeparator)
		}
		sb.WriteString(prop.Key)
		sb.WriteString(keySeparator)
		sb.WriteString(prop.Value)
	}

	return sb.String()
}

// Parser parses baggage header values.
type Parser struct {
	// MaxEntries caps the number of entries kept. Zero means no cap.
	MaxEntries int
}

// Parse parses header with the default parser.
func Parse(header string) Properties {
	return Parser{}.Parse(header)
}

// Parse splits header into entries. Entries without '=' or with an empty key
// are skipped, and for a repeated key only the first value is kept. An empty
// header yields an empty set.
func (p Parser) Parse(header string) Properties {
	if strings.TrimSpace(header) == "" {
		return Properties{}
	}

	props := Properties{}
	seen := make(map[string]struct{})

	for _, entry := range strings.Split(header, entrySeparator) {
		if p.MaxEntries > 0 && len(props) >= p.MaxEntries {
			break
		}

		key, value, ok := strings.Cut(entry, keySeparator)
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}

		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		props = append(props, Property{Key: key, Value: strings.TrimSpace(value)})
	}

	return props
}
