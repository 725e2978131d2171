// Package loader defines the capability trait shared by every mod-loader
// installer (spec.md §4.7, §9): Fabric and NeoForge are concrete variants,
// selected by polymorphism rather than a type switch, so the Launch
// Composer and the provisioning pipeline never need to know which loader
// they are driving.
package loader

import (
	"context"

	"github.com/tritium-launcher/tritium-core/src/version"
)

// Loader is implemented by each mod-loader installer. ID identifies the
// loader for logging and for the merged descriptor's id; Install ensures
// the loader's own libraries/installer artifacts are materialized;
// BuildVersionPatch returns the loader's version-JSON patch to be merged
// over the vanilla base descriptor via version.Merge, plus the mergedId to
// assign to the result. PrepareClasspath/PrepareJvmArgs let the loader
// adjust the Launch Composer's classpath and JVM arguments after the
// merged descriptor's own entries have been resolved.
// ShouldStripMinecraftClientArtifacts reports whether the Launch Composer
// removes net/minecraft/client/ -srg/-slim/-extra jars from a "-p"/
// "--module-path" JVM argument (true for loaders that ship a merged/patched
// client jar in their place, namely NeoForge; false for Fabric, which
// patches the game in-process). Library entries under net/minecraft/client/
// are left off the classpath for every loader.
type Loader interface {
	ID() string
	Install(ctx context.Context, instanceDir, mcVersion string) error
	BuildVersionPatch(ctx context.Context, instanceDir, mcVersion string) (patch *version.Descriptor, mergedID string, err error)
	PrepareClasspath(entries []string) []string
	PrepareJvmArgs(args []string) []string
	ShouldStripMinecraftClientArtifacts() bool
}

// Identity is embeddable by concrete loaders that need no classpath/jvm-arg
// adjustment beyond pass-through, matching spec.md's "avoid deep
// inheritance" note by composing the trivial parts instead of subclassing.
type Identity struct{}

func (Identity) PrepareClasspath(entries []string) []string { return entries }
func (Identity) PrepareJvmArgs(args []string) []string       { return args }
