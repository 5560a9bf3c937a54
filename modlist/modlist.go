package modlist

import (
	"encoding/json"
	"fmt"

	"github.com/modlift/modlift/base"
)

// Archive is one remote or local input referenced by directives,
// identified by content hash.
type Archive struct {
	Name  string
	Hash  base.Hash
	Size  int64
	State State
}

// archiveWire is the JSON form of an Archive.
type archiveWire struct {
	Name  string          `json:"name"`
	Hash  base.Hash       `json:"hash"`
	Size  int64           `json:"size"`
	State json.RawMessage `json:"state"`
}

// MarshalJSON implements json.Marshaler.
func (a Archive) MarshalJSON() ([]byte, error) {
	state, err := marshalState(a.State)
	if err != nil {
		return nil, err
	}
	return json.Marshal(archiveWire{Name: a.Name, Hash: a.Hash, Size: a.Size, State: state})
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Archive) UnmarshalJSON(raw []byte) error {
	var wire archiveWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	state, err := unmarshalState(wire.State)
	if err != nil {
		return fmt.Errorf("archive %q: %w", wire.Name, err)
	}
	a.Name = wire.Name
	a.Hash = wire.Hash
	a.Size = wire.Size
	a.State = state
	return nil
}

// Modlist is the declarative manifest: the archives to obtain and the
// directives producing every installed file.
type Modlist struct {
	Name       string
	Author     string
	Description string
	Version    string
	GameType   string
	Archives   []Archive
	Directives []Directive
}

// modlistWire is the JSON form of a Modlist.
type modlistWire struct {
	Name        string            `json:"name"`
	Author      string            `json:"author,omitempty"`
	Description string            `json:"description,omitempty"`
	Version     string            `json:"version"`
	GameType    string            `json:"gameType"`
	Archives    []Archive         `json:"archives"`
	Directives  []json.RawMessage `json:"directives"`
}

// MarshalJSON implements json.Marshaler.
func (m Modlist) MarshalJSON() ([]byte, error) {
	directives := make([]json.RawMessage, 0, len(m.Directives))
	for _, d := range m.Directives {
		raw, err := marshalDirective(d)
		if err != nil {
			return nil, err
		}
		directives = append(directives, raw)
	}
	return json.Marshal(modlistWire{
		Name:        m.Name,
		Author:      m.Author,
		Description: m.Description,
		Version:     m.Version,
		GameType:    m.GameType,
		Archives:    m.Archives,
		Directives:  directives,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Modlist) UnmarshalJSON(raw []byte) error {
	var wire modlistWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	directives := make([]Directive, 0, len(wire.Directives))
	for i, rawDirective := range wire.Directives {
		d, err := unmarshalDirective(rawDirective)
		if err != nil {
			return fmt.Errorf("directive %d: %w", i, err)
		}
		directives = append(directives, d)
	}
	m.Name = wire.Name
	m.Author = wire.Author
	m.Description = wire.Description
	m.Version = wire.Version
	m.GameType = wire.GameType
	m.Archives = wire.Archives
	m.Directives = directives
	return nil
}

// Validate checks structural invariants: every directive has a target and
// no two directives share one.
func (m *Modlist) Validate() error {
	seen := make(map[string]struct{}, len(m.Directives))
	for _, d := range m.Directives {
		to := d.Target()
		if to == "" {
			return fmt.Errorf("directive %s has empty target", d.Kind())
		}
		key := string(to)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateTarget, to)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// ArchiveByHash returns the archive with the given content hash.
func (m *Modlist) ArchiveByHash(hash base.Hash) (Archive, bool) {
	for _, a := range m.Archives {
		if a.Hash == hash {
			return a, true
		}
	}
	return Archive{}, false
}

// Optimize collapses redundant directives: when several share a target and
// hash, only the first survives. Directives with equal targets but
// different hashes are left for Validate to reject.
func (m *Modlist) Optimize() {
	type key struct {
		to   base.RelativePath
		hash base.Hash
	}
	seen := make(map[key]struct{}, len(m.Directives))
	out := m.Directives[:0]
	for _, d := range m.Directives {
		k := key{to: d.Target(), hash: d.ExpectedHash()}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, d)
	}
	m.Directives = out
}
