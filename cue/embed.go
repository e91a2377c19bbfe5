// Package cue provides the embedded CUE kind registry.
package cue

import "embed"

// RegistryFS contains the default kind registry.
//
//go:embed registry/*.cue
var RegistryFS embed.FS

// RegistryDir is the root directory within the embedded filesystem.
const RegistryDir = "registry"
