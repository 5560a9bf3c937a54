// Package modlist defines the declarative manifest the engine installs: the
// archive list with tagged source states, the directive sum type, and the
// ZIP bundle that carries them plus the inline blobs.
package modlist

import (
	"encoding/json"
	"fmt"

	"github.com/modlift/modlift/base"
)

// State describes where an archive comes from. The set of states is closed;
// every new source kind is a new variant here and a new downloader in the
// download registry.
type State interface {
	// Kind returns the stable $type tag.
	Kind() string
	// PrimaryKeyString is the stable identity used for deduplication and
	// logging. Two states with equal primary keys address the same remote
	// object.
	PrimaryKeyString() string
}

// State kind tags as serialised in the modlist JSON.
const (
	KindHTTP     = "HttpState"
	KindCDN      = "CDNState"
	KindGameFile = "GameFileState"
	KindManual   = "ManualState"
	KindRepo     = "RepoState"
)

// HTTPState is a direct URL download, optionally with extra headers.
type HTTPState struct {
	URL     string   `json:"url"`
	Headers []string `json:"headers,omitempty"`
}

func (s HTTPState) Kind() string { return KindHTTP }

func (s HTTPState) PrimaryKeyString() string { return "HttpDownloader|" + s.URL }

// CDNState is an archive mirrored on the catalogued CDN, addressed by its
// catalogue identifier.
type CDNState struct {
	CatalogID string `json:"catalogId"`
}

func (s CDNState) Kind() string { return KindCDN }

func (s CDNState) PrimaryKeyString() string { return "CDNDownloader|" + s.CatalogID }

// GameFileState is a file shipped with the game installation itself.
type GameFileState struct {
	Game    string            `json:"game"`
	File    base.RelativePath `json:"file"`
	Hash    base.Hash         `json:"hash"`
	Version string            `json:"version,omitempty"`
}

func (s GameFileState) Kind() string { return KindGameFile }

func (s GameFileState) PrimaryKeyString() string {
	return fmt.Sprintf("GameFileDownloader|%s|%s|%s", s.Game, s.File, s.Version)
}

// ManualState cannot be fetched automatically; the user must deliver the
// file. The URL and prompt are surfaced by the intervention handler.
type ManualState struct {
	URL    string `json:"url"`
	Prompt string `json:"prompt,omitempty"`
}

func (s ManualState) Kind() string { return KindManual }

func (s ManualState) PrimaryKeyString() string { return "ManualDownloader|" + s.URL }

// RepoState addresses a file on a named third-party mod repository.
type RepoState struct {
	Repo   string `json:"repo"`
	ModID  int64  `json:"modId"`
	FileID int64  `json:"fileId"`
}

func (s RepoState) Kind() string { return KindRepo }

func (s RepoState) PrimaryKeyString() string {
	return fmt.Sprintf("RepoDownloader|%s|%d|%d", s.Repo, s.ModID, s.FileID)
}

// stateEnvelope is the tagged wire form of a State.
type stateEnvelope struct {
	Type string `json:"$type"`
}

// unmarshalState decodes a tagged state payload.
func unmarshalState(raw json.RawMessage) (State, error) {
	var env stateEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case KindHTTP:
		var s HTTPState
		return s, json.Unmarshal(raw, &s)
	case KindCDN:
		var s CDNState
		return s, json.Unmarshal(raw, &s)
	case KindGameFile:
		var s GameFileState
		return s, json.Unmarshal(raw, &s)
	case KindManual:
		var s ManualState
		return s, json.Unmarshal(raw, &s)
	case KindRepo:
		var s RepoState
		return s, json.Unmarshal(raw, &s)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownState, env.Type)
	}
}

// marshalState encodes a state with its $type tag.
func marshalState(s State) (json.RawMessage, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	tag, err := json.Marshal(stateEnvelope{Type: s.Kind()})
	if err != nil {
		return nil, err
	}
	return mergeJSONObjects(tag, body)
}

// mergeJSONObjects splices two JSON objects into one.
func mergeJSONObjects(a, b json.RawMessage) (json.RawMessage, error) {
	var am, bm map[string]json.RawMessage
	if err := json.Unmarshal(a, &am); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &bm); err != nil {
		return nil, err
	}
	for k, v := range bm {
		am[k] = v
	}
	return json.Marshal(am)
}
