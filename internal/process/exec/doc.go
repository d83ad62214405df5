// Package exec provides the OS-backed process.Launcher.
//
// Each child is started with os/exec in its own process group so that a stop
// signal reaches the whole tree a wrapper script may spawn. The environment is
// the launcher's base environment overlaid with Spec.Env.
package exec
