package modlift

import (
	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/bsa"
	"github.com/modlift/modlift/extract"
	"github.com/modlift/modlift/install"
	"github.com/modlift/modlift/limits"
	"github.com/modlift/modlift/modlist"
)

// --- Re-exports from base ---

// Hash is the engine's 64-bit content fingerprint.
type Hash = base.Hash

// RelativePath is a slash-separated path relative to some root.
type RelativePath = base.RelativePath

// AbsolutePath is a platform-native absolute path.
type AbsolutePath = base.AbsolutePath

// StreamFactory is a reopenable source of bytes.
type StreamFactory = base.StreamFactory

// FileType identifies a container format by its leading bytes.
type FileType = base.FileType

// --- Re-exports from modlist ---

// Modlist is the declarative manifest the engine installs.
type Modlist = modlist.Modlist

// Archive is one input file referenced by directives.
type Archive = modlist.Archive

// Directive is one instruction producing a single output file.
type Directive = modlist.Directive

// Bundle is an opened .modlist archive.
type Bundle = modlist.Bundle

// --- Re-exports from bsa ---

// ContainerState is the container-level portion of a CreateBSA directive.
type ContainerState = bsa.ContainerState

// FileState describes one container entry to pack.
type FileState = bsa.FileState

// --- Re-exports from extract ---

// ExtractedFile is a handle over one entry inside some archive.
type ExtractedFile = extract.ExtractedFile

// ToolSet names the external binaries the extractor may invoke.
type ToolSet = extract.ToolSet

// Invoker runs platform-native binaries.
type Invoker = extract.Invoker

// --- Re-exports from limits ---

// Limits parameterises one rate-limited resource.
type Limits = limits.Limits

// Job is a ticket for one running task.
type Job = limits.Job

// --- Re-exports from install ---

// Configuration is the immutable input of one install run.
type Configuration = install.Configuration

// ParseHash decodes the base64 hash form.
var ParseHash = base.ParseHash

// HashBytes fingerprints a byte slice.
var HashBytes = base.HashBytes

// DetectFileType recognises a format by its leading bytes.
var DetectFileType = base.DetectFileType

// OpenBundle opens and parses a modlist bundle.
var OpenBundle = modlist.OpenBundle
