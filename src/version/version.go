// Package version implements the version-descriptor model: parsing,
// OS-rule evaluation, and base⊕patch merging into a launch descriptor
// (spec.md §4.5).
package version

import (
	"encoding/json"
	"runtime"
	"strings"
)

// OSRule is a single entry of a library's or argument's "rules" array.
type OSRule struct {
	Action string  `json:"action"` // "allow" or "disallow"
	OS     *OSSpec `json:"os,omitempty"`
}

// OSSpec filters a rule to a platform name and/or architecture class.
type OSSpec struct {
	Name string `json:"name,omitempty"` // "windows" | "osx" | "linux"
	Arch string `json:"arch,omitempty"` // "x86" => 32-bit; anything else => 64-bit
}

// CurrentOSName maps runtime.GOOS to the Mojang platform name.
func CurrentOSName() string {
	switch runtime.GOOS {
	case "windows":
		return "windows"
	case "darwin":
		return "osx"
	default:
		return "linux"
	}
}

// Is64Bit reports whether the current process architecture is 64-bit.
func Is64Bit() bool {
	switch runtime.GOARCH {
	case "386", "arm":
		return false
	default:
		return true
	}
}

func (s *OSSpec) matches() bool {
	if s == nil {
		return true
	}
	if s.Name != "" && s.Name != CurrentOSName() {
		return false
	}
	if s.Arch != "" {
		wantX86 := s.Arch == "x86"
		if wantX86 == Is64Bit() {
			return false
		}
	}
	return true
}

// RulesAllow evaluates rules against the current platform per spec.md §4.5:
// starting allow=false, each matching rule's action becomes the running
// result; the final value wins (last-rule-wins, not short-circuit-OR —
// spec.md §9 explicitly rejects that variant). No rules means always allowed.
func RulesAllow(rules []OSRule) bool {
	if len(rules) == 0 {
		return true
	}
	allow := false
	for _, r := range rules {
		if !r.OS.matches() {
			continue
		}
		allow = r.Action == "allow"
	}
	return allow
}

// ArgEntry is one element of an arguments.{game,jvm} array: either a bare
// string or a rule-guarded {rules, value} object where value may itself be
// a string or an array of strings.
type ArgEntry struct {
	Rules  []OSRule
	Values []string
}

// UnmarshalJSON accepts both a bare string and {"rules":[...],"value": X}
// where X is a string or []string.
func (a *ArgEntry) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		a.Values = []string{s}
		return nil
	}

	var obj struct {
		Rules []OSRule        `json:"rules"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	a.Rules = obj.Rules

	var single string
	if err := json.Unmarshal(obj.Value, &single); err == nil {
		a.Values = []string{single}
		return nil
	}
	var multi []string
	if err := json.Unmarshal(obj.Value, &multi); err != nil {
		return err
	}
	a.Values = multi
	return nil
}

// MarshalJSON writes the entry in a form UnmarshalJSON reads back: a bare
// string for an unguarded single value, else {"rules":[...],"value":[...]}.
func (a ArgEntry) MarshalJSON() ([]byte, error) {
	if len(a.Rules) == 0 && len(a.Values) == 1 {
		return json.Marshal(a.Values[0])
	}
	values := a.Values
	if values == nil {
		values = []string{}
	}
	return json.Marshal(struct {
		Rules []OSRule `json:"rules,omitempty"`
		Value []string `json:"value"`
	}{a.Rules, values})
}

// Expand returns Values if the entry's rules allow on this platform, else nil.
func (a ArgEntry) Expand() []string {
	if !RulesAllow(a.Rules) {
		return nil
	}
	return a.Values
}

// Artifact is a single downloadable file: path (maven-layout relative),
// URL, declared size, and declared sha1.
type Artifact struct {
	Path string `json:"path"`
	URL  string `json:"url"`
	SHA1 string `json:"sha1"`
	Size int64  `json:"size"`
}

// Library is one entry of a descriptor's libraries array.
type Library struct {
	Name  string `json:"name"`
	URL   string `json:"url,omitempty"`
	Rules []OSRule

	Downloads struct {
		Artifact    *Artifact           `json:"artifact,omitempty"`
		Classifiers map[string]Artifact `json:"classifiers,omitempty"`
	} `json:"-"`

	Natives map[string]string `json:"natives,omitempty"`
	Extract *struct {
		Exclude []string `json:"exclude,omitempty"`
	} `json:"extract,omitempty"`
}

// libraryWire mirrors the raw JSON shape so UnmarshalJSON/MarshalJSON can
// populate the non-serialized Downloads struct above.
type libraryWire struct {
	Name      string   `json:"name"`
	URL       string   `json:"url,omitempty"`
	Rules     []OSRule `json:"rules,omitempty"`
	Downloads *struct {
		Artifact    *Artifact           `json:"artifact,omitempty"`
		Classifiers map[string]Artifact `json:"classifiers,omitempty"`
	} `json:"downloads,omitempty"`
	Natives map[string]string `json:"natives,omitempty"`
	Extract *struct {
		Exclude []string `json:"exclude,omitempty"`
	} `json:"extract,omitempty"`
}

func (l *Library) UnmarshalJSON(data []byte) error {
	var w libraryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	l.Name = w.Name
	l.URL = w.URL
	l.Rules = w.Rules
	l.Natives = w.Natives
	l.Extract = w.Extract
	if w.Downloads != nil {
		l.Downloads.Artifact = w.Downloads.Artifact
		l.Downloads.Classifiers = w.Downloads.Classifiers
	}
	return nil
}

func (l Library) MarshalJSON() ([]byte, error) {
	w := libraryWire{Name: l.Name, URL: l.URL, Rules: l.Rules, Natives: l.Natives, Extract: l.Extract}
	if l.Downloads.Artifact != nil || len(l.Downloads.Classifiers) > 0 {
		w.Downloads = &struct {
			Artifact    *Artifact           `json:"artifact,omitempty"`
			Classifiers map[string]Artifact `json:"classifiers,omitempty"`
		}{Artifact: l.Downloads.Artifact, Classifiers: l.Downloads.Classifiers}
	}
	return json.Marshal(w)
}

// IdentityKey returns the cross-descriptor dedup key for this library,
// derived from its maven name "group:artifact:version[:classifier]".
func (l Library) IdentityKey() string {
	parts := strings.Split(l.Name, ":")
	if len(parts) < 2 {
		return l.Name
	}
	key := parts[0] + ":" + parts[1]
	if len(parts) >= 4 {
		key += ":" + parts[3]
	}
	return key
}

// NativeClassifierKey returns the classifier key for this library's
// natives map on the current OS/arch, with "${arch}" substituted by "64"
// or "32" per spec.md §4.6.
func (l Library) NativeClassifierKey() (string, bool) {
	tmpl, ok := l.Natives[CurrentOSName()]
	if !ok {
		return "", false
	}
	arch := "32"
	if Is64Bit() {
		arch = "64"
	}
	return strings.ReplaceAll(tmpl, "${arch}", arch), true
}

// AssetIndexRef references the asset index file for a descriptor.
type AssetIndexRef struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	SHA1  string `json:"sha1,omitempty"`
	Size  int64  `json:"size,omitempty"`
	Total int64  `json:"totalSize,omitempty"`
}

// Downloads holds the descriptor's top-level downloads map (client jar, etc).
type Downloads struct {
	Client *Artifact `json:"client,omitempty"`
}

// LoggingConfig is the optional client-logging descriptor config.
type LoggingConfig struct {
	Client *struct {
		Argument string   `json:"argument"`
		File     Artifact `json:"file"`
		Type     string   `json:"type"`
	} `json:"client,omitempty"`
}

// MainClassBySide handles descriptors where mainClass is either a bare
// string or a {"client": "...", "server": "..."} map (spec.md's data model
// calls this out explicitly for VersionDescriptor.mainClass).
type MainClassBySide struct {
	Client string
	Server string
}

func (m *MainClassBySide) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		m.Client = s
		m.Server = s
		return nil
	}
	var obj struct {
		Client string `json:"client"`
		Server string `json:"server"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	m.Client = obj.Client
	m.Server = obj.Server
	return nil
}

func (m MainClassBySide) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Client)
}

// Descriptor is the parsed form of a Minecraft/loader version JSON.
type Descriptor struct {
	ID                 string          `json:"id"`
	Type               string          `json:"type,omitempty"`
	MainClass          MainClassBySide `json:"mainClass"`
	MinecraftArguments string          `json:"minecraftArguments,omitempty"`
	Arguments          *struct {
		Game []ArgEntry `json:"game,omitempty"`
		JVM  []ArgEntry `json:"jvm,omitempty"`
	} `json:"arguments,omitempty"`
	Libraries     []Library      `json:"libraries"`
	AssetIndex    *AssetIndexRef `json:"assetIndex,omitempty"`
	Assets        string         `json:"assets,omitempty"`
	Downloads     Downloads      `json:"downloads,omitempty"`
	Logging       *LoggingConfig `json:"logging,omitempty"`
	InheritsFrom  string         `json:"inheritsFrom,omitempty"`
}

// Parse decodes a version descriptor JSON document.
func Parse(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// GameArgs returns the descriptor's game arguments as a flat token list,
// tokenizing the legacy minecraftArguments string on whitespace when no
// structured arguments.game array is present (spec.md §4.5).
func (d *Descriptor) GameArgs() []string {
	if d.Arguments != nil && len(d.Arguments.Game) > 0 {
		var out []string
		for _, e := range d.Arguments.Game {
			out = append(out, e.Expand()...)
		}
		return out
	}
	if d.MinecraftArguments != "" {
		return strings.Fields(d.MinecraftArguments)
	}
	return nil
}

// JVMArgs returns the descriptor's jvm arguments as a flat token list.
func (d *Descriptor) JVMArgs() []string {
	if d.Arguments == nil {
		return nil
	}
	var out []string
	for _, e := range d.Arguments.JVM {
		out = append(out, e.Expand()...)
	}
	return out
}

// Merge combines base (vanilla) and patch (loader) descriptors per
// spec.md §4.5:
//   - mainClass: patch wins if present.
//   - arguments: concatenate game and jvm arrays, base first then patch;
//     a legacy base minecraftArguments string is tokenized and treated as game.
//   - libraries: ordered dedup keyed by IdentityKey; base inserted first
//     without overwrite, patch inserted after with overwrite, preserving
//     base's insertion order with patch appends at the end.
//   - id is set to mergedID.
func Merge(base, patch *Descriptor, mergedID string) *Descriptor {
	out := &Descriptor{
		ID:         mergedID,
		Type:       base.Type,
		AssetIndex: base.AssetIndex,
		Assets:     base.Assets,
		Downloads:  base.Downloads,
		Logging:    base.Logging,
	}

	out.MainClass = base.MainClass
	if patch.MainClass.Client != "" || patch.MainClass.Server != "" {
		out.MainClass = patch.MainClass
	}

	baseGame := base.GameArgs()
	patchGame := patch.GameArgs()
	baseJVM := base.JVMArgs()
	patchJVM := patch.JVMArgs()

	out.Arguments = &struct {
		Game []ArgEntry `json:"game,omitempty"`
		JVM  []ArgEntry `json:"jvm,omitempty"`
	}{}
	for _, s := range append(append([]string{}, baseGame...), patchGame...) {
		out.Arguments.Game = append(out.Arguments.Game, ArgEntry{Values: []string{s}})
	}
	for _, s := range append(append([]string{}, baseJVM...), patchJVM...) {
		out.Arguments.JVM = append(out.Arguments.JVM, ArgEntry{Values: []string{s}})
	}

	out.Libraries = mergeLibraries(base.Libraries, patch.Libraries)

	if patch.AssetIndex != nil {
		out.AssetIndex = patch.AssetIndex
	}
	if patch.Assets != "" {
		out.Assets = patch.Assets
	}
	if patch.Downloads.Client != nil {
		out.Downloads.Client = patch.Downloads.Client
	}
	if patch.Logging != nil {
		out.Logging = patch.Logging
	}

	return out
}

// mergeLibraries implements the LinkedHashMap-shaped ordered dedup of
// spec.md §4.5: base libraries are inserted first without overwrite
// (preserving base's insertion order for non-colliding keys), then patch
// libraries are inserted with overwrite, appended after base's entries
// when new.
func mergeLibraries(base, patch []Library) []Library {
	order := make([]string, 0, len(base)+len(patch))
	byKey := make(map[string]Library, len(base)+len(patch))

	for _, lib := range base {
		key := lib.IdentityKey()
		if _, exists := byKey[key]; !exists {
			order = append(order, key)
			byKey[key] = lib
		}
	}
	for _, lib := range patch {
		key := lib.IdentityKey()
		if _, exists := byKey[key]; !exists {
			order = append(order, key)
		}
		byKey[key] = lib // patch always overwrites on collision
	}

	out := make([]Library, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out
}
