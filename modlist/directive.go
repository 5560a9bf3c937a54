package modlist

import (
	"encoding/json"
	"fmt"

	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/bsa"
)

// Directive is one instruction describing how a single output file is
// produced. The set of directives is closed.
type Directive interface {
	// Target is the install-relative output path. No two directives in a
	// valid modlist share a target.
	Target() base.RelativePath
	// ExpectedHash is the fingerprint the produced file must carry.
	ExpectedHash() base.Hash
	// Kind returns the stable $type tag.
	Kind() string
}

// Directive kind tags as serialised in the modlist JSON.
const (
	KindFromArchive        = "FromArchive"
	KindInlineFile         = "InlineFile"
	KindRemappedInlineFile = "RemappedInlineFile"
	KindCreateBSA          = "CreateBSA"
	KindMergedPatch        = "MergedPatch"
	KindPatchedFromArchive = "PatchedFromArchive"
)

// FromArchive copies one entry out of an extracted archive. InnerPath may
// address an entry nested inside an inner archive; nesting levels join
// with '|'.
type FromArchive struct {
	To                base.RelativePath `json:"to"`
	Hash              base.Hash         `json:"hash"`
	SourceArchiveHash base.Hash         `json:"archiveHash"`
	InnerPath         base.RelativePath `json:"innerPath"`
}

func (d FromArchive) Target() base.RelativePath { return d.To }
func (d FromArchive) ExpectedHash() base.Hash   { return d.Hash }
func (d FromArchive) Kind() string              { return KindFromArchive }

// InlineFile writes bytes embedded in the modlist bundle.
type InlineFile struct {
	To     base.RelativePath `json:"to"`
	Hash   base.Hash         `json:"hash"`
	BlobID string            `json:"sourceDataId"`
}

func (d InlineFile) Target() base.RelativePath { return d.To }
func (d InlineFile) ExpectedHash() base.Hash   { return d.Hash }
func (d InlineFile) Kind() string              { return KindInlineFile }

// RemappedInlineFile is an InlineFile whose content passes through
// path-template substitution before landing. Its expected hash covers the
// pre-substitution blob; the written file is allow-listed from
// verification because the substituted form depends on local paths.
type RemappedInlineFile struct {
	To     base.RelativePath `json:"to"`
	Hash   base.Hash         `json:"hash"`
	BlobID string            `json:"sourceDataId"`
}

func (d RemappedInlineFile) Target() base.RelativePath { return d.To }
func (d RemappedInlineFile) ExpectedHash() base.Hash   { return d.Hash }
func (d RemappedInlineFile) Kind() string              { return KindRemappedInlineFile }

// CreateBSA assembles a game-native container from a staged directory.
type CreateBSA struct {
	To         base.RelativePath  `json:"to"`
	Hash       base.Hash          `json:"hash"`
	TempID     string             `json:"tempId"`
	State      bsa.ContainerState `json:"state"`
	FileStates []bsa.FileState    `json:"fileStates"`
}

func (d CreateBSA) Target() base.RelativePath { return d.To }
func (d CreateBSA) ExpectedHash() base.Hash   { return d.Hash }
func (d CreateBSA) Kind() string              { return KindCreateBSA }

// MergedPatch applies a binary diff to the concatenation of source files in
// declared order.
type MergedPatch struct {
	To          base.RelativePath `json:"to"`
	Hash        base.Hash         `json:"hash"`
	Sources     []MergeSource     `json:"sources"`
	PatchBlobID string            `json:"patchId"`
}

// MergeSource names one already-installed input of a merged patch.
type MergeSource struct {
	RelativePath base.RelativePath `json:"relativePath"`
	Hash         base.Hash         `json:"hash"`
}

func (d MergedPatch) Target() base.RelativePath { return d.To }
func (d MergedPatch) ExpectedHash() base.Hash   { return d.Hash }
func (d MergedPatch) Kind() string              { return KindMergedPatch }

// PatchedFromArchive extracts an archive entry, then applies a binary diff.
type PatchedFromArchive struct {
	To                base.RelativePath `json:"to"`
	Hash              base.Hash         `json:"hash"`
	SourceArchiveHash base.Hash         `json:"archiveHash"`
	InnerPath         base.RelativePath `json:"innerPath"`
	FromHash          base.Hash         `json:"fromHash"`
	PatchBlobID       string            `json:"patchId"`
}

func (d PatchedFromArchive) Target() base.RelativePath { return d.To }
func (d PatchedFromArchive) ExpectedHash() base.Hash   { return d.Hash }
func (d PatchedFromArchive) Kind() string              { return KindPatchedFromArchive }

// directiveEnvelope is the tagged wire form of a Directive.
type directiveEnvelope struct {
	Type string `json:"$type"`
}

// unmarshalDirective decodes a tagged directive payload.
func unmarshalDirective(raw json.RawMessage) (Directive, error) {
	var env directiveEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case KindFromArchive:
		var d FromArchive
		return d, json.Unmarshal(raw, &d)
	case KindInlineFile:
		var d InlineFile
		return d, json.Unmarshal(raw, &d)
	case KindRemappedInlineFile:
		var d RemappedInlineFile
		return d, json.Unmarshal(raw, &d)
	case KindCreateBSA:
		var d CreateBSA
		return d, json.Unmarshal(raw, &d)
	case KindMergedPatch:
		var d MergedPatch
		return d, json.Unmarshal(raw, &d)
	case KindPatchedFromArchive:
		var d PatchedFromArchive
		return d, json.Unmarshal(raw, &d)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDirective, env.Type)
	}
}

// marshalDirective encodes a directive with its $type tag.
func marshalDirective(d Directive) (json.RawMessage, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	tag, err := json.Marshal(directiveEnvelope{Type: d.Kind()})
	if err != nil {
		return nil, err
	}
	return mergeJSONObjects(tag, body)
}
