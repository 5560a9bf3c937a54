// Package modlift is a modlist installer engine: it reproducibly
// materialises a complete game-mod installation from a declarative
// manifest plus a set of remote archives.
//
// The root package re-exports the types most callers need and provides
// the Engine, which wires the subsystems together: the extraction
// dispatcher (package extract), the download dispatcher (package
// download), the content-addressed virtual file system (package vfs), the
// persistent hash cache (package hashcache), the rate-limited resource
// model (package limits), the container builder (package bsa), and the
// installer state machine (package install).
package modlift
