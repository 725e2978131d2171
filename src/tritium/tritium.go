// Package tritium is the top-level orchestrator (spec.md §2, §6): it wires
// the Artifact Store, Vanilla Provisioner, mod-loader installers, Launch
// Composer, Process Manager, and Cache Maintenance into the three
// programmatic entry points core exposes — prepareRuntime, launch, and
// killGameProcess — generalized from a loader-install-then-download call
// shape into an explicit application-context struct (spec.md §9:
// "singleton managers must be explicit collaborators").
package tritium

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/tritium-launcher/tritium-core/src/bridge"
	"github.com/tritium-launcher/tritium-core/src/cachegc"
	"github.com/tritium-launcher/tritium-core/src/events"
	"github.com/tritium-launcher/tritium-core/src/fetch"
	"github.com/tritium-launcher/tritium-core/src/javart"
	"github.com/tritium-launcher/tritium-core/src/launch"
	"github.com/tritium-launcher/tritium-core/src/loader"
	"github.com/tritium-launcher/tritium-core/src/loader/fabric"
	"github.com/tritium-launcher/tritium-core/src/loader/neoforge"
	"github.com/tritium-launcher/tritium-core/src/paths"
	"github.com/tritium-launcher/tritium-core/src/process"
	"github.com/tritium-launcher/tritium-core/src/store"
	"github.com/tritium-launcher/tritium-core/src/tritiumerr"
	"github.com/tritium-launcher/tritium-core/src/vanilla"
	"github.com/tritium-launcher/tritium-core/src/version"
)

// LoaderSpec picks the mod loader (if any) a project should run. Kind is
// "" for vanilla, or "fabric"/"neoforge".
type LoaderSpec struct {
	Kind    string
	Version string
}

// Project names one target: a Minecraft instance directory, its game
// version, and an optional mod loader.
type Project struct {
	InstanceDir string
	MCVersion   string
	Loader      LoaderSpec
}

// RuntimeResult is what PrepareRuntime returns: the merged descriptor
// ready for the Launch Composer, plus the paths it was built from.
type RuntimeResult struct {
	Merged     *version.Descriptor
	MergedID   string
	Vanilla    *vanilla.Result
	LoaderImpl loader.Loader
}

// App is the application-context struct: every singleton collaborator a
// project's lifecycle touches, constructed once and threaded explicitly
// rather than reached for as package-level state.
type App struct {
	Cache     *store.SharedCache
	Fetcher   *fetch.Fetcher
	Events    *events.Emitter
	Java      *javart.Resolver
	Vanilla   *vanilla.Provisioner
	Launch    *launch.Composer
	Processes *process.Manager
	GC        *cachegc.GC
	Tokens    *bridge.TokenStore
}

// New builds an App. cacheRoot is the Shared Artifact Store root; javaDir
// is where managed JRE downloads are unpacked. emitter may be nil.
func New(cacheRoot, javaDir string, emitter *events.Emitter) *App {
	if emitter == nil {
		emitter = events.Nop()
	}
	fetcher := fetch.New()
	cache := store.New(cacheRoot)
	javaResolver := javart.New(javaDir, fetcher, emitter)
	processes := process.New(emitter)
	tokens := bridge.NewTokenStore()
	tokens.WireExitClear(processes)

	return &App{
		Cache:     cache,
		Fetcher:   fetcher,
		Events:    emitter,
		Java:      javaResolver,
		Vanilla:   vanilla.New(cache, fetcher, emitter),
		Launch:    launch.New(javaResolver, emitter),
		Processes: processes,
		GC:        cachegc.New(cache, emitter),
		Tokens:    tokens,
	}
}

// vanillaLoader is the no-op Loader used when a project names no mod
// loader: BuildVersionPatch returns an empty patch so Merge leaves the
// vanilla descriptor's id unchanged.
type vanillaLoader struct {
	loader.Identity
}

func (vanillaLoader) ID() string { return "vanilla" }

func (vanillaLoader) Install(ctx context.Context, instanceDir, mcVersion string) error {
	return nil
}

func (vanillaLoader) BuildVersionPatch(ctx context.Context, instanceDir, mcVersion string) (*version.Descriptor, string, error) {
	return &version.Descriptor{}, mcVersion, nil
}

func (vanillaLoader) ShouldStripMinecraftClientArtifacts() bool { return false }

func (a *App) loaderFor(spec LoaderSpec) (loader.Loader, error) {
	switch spec.Kind {
	case "", "vanilla":
		return vanillaLoader{}, nil
	case "fabric":
		return fabric.New(a.Cache, a.Fetcher, a.Events, spec.Version), nil
	case "neoforge":
		return neoforge.New(a.Cache, a.Fetcher, a.Events, spec.Version), nil
	default:
		return nil, &tritiumerr.ResolutionError{What: tritiumerr.UnknownLoaderID, Detail: spec.Kind}
	}
}

// PrepareRuntime ensures every artifact a project needs is on disk and
// returns the merged version descriptor, per spec.md §2/§5's ordering:
// ensureVanilla precedes ensureLoader precedes mergeDescriptors, and the
// merged-descriptor write happens only after every underlying artifact has
// settled. It opportunistically runs Cache Maintenance when due; a
// maintenance failure is logged as an event and never fails the call,
// matching spec.md §5's "advisory... contention may cause one process to
// skip a cycle. That is acceptable."
func (a *App) PrepareRuntime(ctx context.Context, project Project) (*RuntimeResult, error) {
	vres, err := a.Vanilla.Ensure(ctx, project.InstanceDir, project.MCVersion)
	if err != nil {
		return nil, fmt.Errorf("ensure vanilla artifacts: %w", err)
	}

	ld, err := a.loaderFor(project.Loader)
	if err != nil {
		return nil, err
	}
	if err := ld.Install(ctx, project.InstanceDir, project.MCVersion); err != nil {
		return nil, fmt.Errorf("install loader %s: %w", ld.ID(), err)
	}
	patch, mergedID, err := ld.BuildVersionPatch(ctx, project.InstanceDir, project.MCVersion)
	if err != nil {
		return nil, fmt.Errorf("build version patch for loader %s: %w", ld.ID(), err)
	}

	merged := version.Merge(vres.Descriptor, patch, mergedID)

	mergedPath := filepath.Join(project.InstanceDir, ".tr", "versions", mergedID, mergedID+".json")
	mergedBytes, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode merged descriptor: %w", err)
	}
	if err := paths.AtomicWrite(mergedPath, mergedBytes, 0o644); err != nil {
		return nil, fmt.Errorf("write merged descriptor: %w", err)
	}
	a.Events.Emit("merged_descriptor_written", mergedPath)

	if a.GC.ShouldRun() {
		if _, gcErr := a.GC.Maintain([]string{project.InstanceDir}); gcErr != nil {
			a.Events.Emit("cache_maintenance_failed", gcErr.Error())
		}
	}

	return &RuntimeResult{Merged: merged, MergedID: mergedID, Vanilla: vres, LoaderImpl: ld}, nil
}

// Launch prepares the runtime, composes a launch plan, and spawns the game
// process, tracking it under the project's scope.
func (a *App) Launch(ctx context.Context, project Project, cfg launch.Config) (*process.TrackedProcess, *launch.Plan, error) {
	runtime, err := a.PrepareRuntime(ctx, project)
	if err != nil {
		return nil, nil, err
	}

	plan, err := a.composeLaunch(ctx, project, runtime, cfg)
	if err != nil {
		return nil, nil, err
	}

	scope, _ := process.Scope(project.InstanceDir)
	a.Tokens.Set(scope, plan.CompanionToken)

	cmd := a.buildCmd(project, plan)
	if err := cmd.Start(); err != nil {
		a.Tokens.Clear(scope)
		return nil, nil, fmt.Errorf("start minecraft process: %w", err)
	}

	tp, err := a.Processes.AttachLaunched(project.InstanceDir, cmd)
	if err != nil {
		_ = cmd.Process.Kill()
		a.Tokens.Clear(scope)
		return nil, nil, fmt.Errorf("attach launched process: %w", err)
	}

	return tp, plan, nil
}

// composeLaunch runs the Launch Composer over an already-prepared runtime.
func (a *App) composeLaunch(ctx context.Context, project Project, runtime *RuntimeResult, cfg launch.Config) (*launch.Plan, error) {
	return a.Launch.Compose(ctx, project.InstanceDir, project.MCVersion, runtime.Merged, runtime.LoaderImpl, cfg)
}

// ComposeLaunch runs the Launch Composer over a RuntimeResult obtained
// from a prior PrepareRuntime call, letting callers that cache it skip
// re-running provisioning before every launch.
func (a *App) ComposeLaunch(ctx context.Context, project Project, runtime *RuntimeResult, cfg launch.Config) (*launch.Plan, error) {
	return a.composeLaunch(ctx, project, runtime, cfg)
}

// buildCmd assembles the java subprocess directly: full stdio passthrough,
// working directory set to the instance directory, and the companion
// token published as an environment variable (spec.md §6: "Environment
// variables published to child process: TRITIUM_COMPANION_WS_TOKEN").
func (a *App) buildCmd(project Project, plan *launch.Plan) *exec.Cmd {
	args := make([]string, 0, len(plan.JVMArgs)+1+len(plan.GameArgs))
	args = append(args, plan.JVMArgs...)
	args = append(args, plan.MainClass)
	args = append(args, plan.GameArgs...)

	cmd := exec.Command(plan.JavaPath, args...)
	cmd.Dir = plan.WorkingDir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	env := os.Environ()
	for k, v := range plan.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	return cmd
}

// KillGameProcess stops project's tracked process. If bridge is non-nil it
// runs the graceful-stop sequence of spec.md §4.11 first; otherwise it
// kills directly via the Process Manager.
func (a *App) KillGameProcess(ctx context.Context, project Project, force bool, companionBridge bridge.CompanionBridge) error {
	if companionBridge != nil {
		seq := bridge.NewStopSequence(companionBridge, a.Processes)
		return seq.Stop(ctx, project.InstanceDir, force)
	}
	return a.Processes.Kill(ctx, project.InstanceDir, force)
}
