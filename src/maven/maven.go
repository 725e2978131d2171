// Package maven implements coordinate-to-path translation and per-group
// repository fallback selection (spec.md §4.4).
package maven

import (
	"fmt"
	"strings"
)

// Coordinate is a parsed maven artifact coordinate:
// "group:artifact:version[:classifier][@ext]".
type Coordinate struct {
	Group      string
	Artifact   string
	Version    string
	Classifier string // may be empty
	Ext        string // defaults to "jar"
}

// Parse parses a coordinate string. "@ext" overrides the default extension.
func Parse(coord string) (Coordinate, error) {
	ext := "jar"
	if i := strings.LastIndex(coord, "@"); i >= 0 {
		ext = coord[i+1:]
		coord = coord[:i]
	}

	parts := strings.Split(coord, ":")
	if len(parts) < 3 {
		return Coordinate{}, fmt.Errorf("invalid maven coordinate %q", coord)
	}

	c := Coordinate{
		Group:    parts[0],
		Artifact: parts[1],
		Version:  parts[2],
		Ext:      ext,
	}
	if len(parts) >= 4 {
		c.Classifier = parts[3]
	}
	return c, nil
}

// IdentityKey returns the cross-descriptor dedup key "group:artifact[:classifier]".
func (c Coordinate) IdentityKey() string {
	if c.Classifier != "" {
		return c.Group + ":" + c.Artifact + ":" + c.Classifier
	}
	return c.Group + ":" + c.Artifact
}

// Path returns the maven-repository-layout relative path (forward-slashed):
// "g/h/a/v/a-v[-c].jar".
func (c Coordinate) Path() string {
	groupPath := strings.ReplaceAll(c.Group, ".", "/")
	filename := c.Artifact + "-" + c.Version
	if c.Classifier != "" {
		filename += "-" + c.Classifier
	}
	ext := c.Ext
	if ext == "" {
		ext = "jar"
	}
	filename += "." + ext
	return strings.Join([]string{groupPath, c.Artifact, c.Version, filename}, "/")
}

func (c Coordinate) String() string {
	s := c.Group + ":" + c.Artifact + ":" + c.Version
	if c.Classifier != "" {
		s += ":" + c.Classifier
	}
	if c.Ext != "" && c.Ext != "jar" {
		s += "@" + c.Ext
	}
	return s
}

// MavenPath is a convenience wrapper for Parse(coord).Path().
func MavenPath(coord string) (string, error) {
	c, err := Parse(coord)
	if err != nil {
		return "", err
	}
	return c.Path(), nil
}

const (
	MojangLibraries = "https://libraries.minecraft.net/"
	MavenCentral    = "https://repo1.maven.org/maven2/"
	FabricMaven     = "https://maven.fabricmc.net/"
	NeoForgedMaven  = "https://maven.neoforged.net/releases/"
	PaperMaven      = "https://repo.papermc.io/repository/maven-public/"
)

// Repositories returns the ordered repository fallback list for a group,
// per spec.md §4.4's group-prefix rules: net.neoforged* -> NeoForged maven;
// net.fabricmc* -> Fabric maven; net.md-5* -> Paper + NeoForged; otherwise
// Mojang libraries, then Maven Central.
func Repositories(group string) []string {
	switch {
	case strings.HasPrefix(group, "net.neoforged"):
		return []string{NeoForgedMaven}
	case strings.HasPrefix(group, "net.fabricmc"):
		return []string{FabricMaven}
	case strings.HasPrefix(group, "net.md-5"):
		return []string{PaperMaven, NeoForgedMaven}
	default:
		return []string{MojangLibraries, MavenCentral}
	}
}

// ResolveURLs returns the candidate download URLs for coord, in fallback order.
func ResolveURLs(coord Coordinate) []string {
	p := coord.Path()
	urls := make([]string, 0, 2)
	for _, repo := range Repositories(coord.Group) {
		urls = append(urls, strings.TrimRight(repo, "/")+"/"+p)
	}
	return urls
}
