// Package provision detects, installs, cancels and removes the external
// dependencies the local inference feature needs: an interpreter runtime, a
// package for that runtime and a model bundle. It is structured into small
// files by concern:
//
//   - orchestrator.go: Orchestrator type, constructor, snapshots, subscriptions, Close.
//   - config.go: Config and package defaults; New applies defaults.
//   - check.go: CheckAll, the ordered environment probe.
//   - install.go: Install and the per-session worker that drives an Installer.
//   - cancel.go: Cancel and Uninstall.
//   - session.go: Session, the handle installers use to run processes,
//     download files and report progress.
//   - installers.go: interpreter, package and model Installer implementations.
//   - classify.go: mapping raw failures onto error classes.
//   - errors.go: InstallError, sentinel errors and IsXxx helpers.
//   - events.go, eventpub_log.go, eventpub_memory.go: lifecycle events for
//     logs, observers and tests.
//   - metrics.go: Prometheus collectors.
//
// State per dependency moves Unknown -> Checking -> {Installed|Missing} and
// Missing -> Installing -> {Installed|Missing|Cancelling -> Missing}. Only the
// Orchestrator mutates state; callers observe it through CurrentSnapshot,
// Subscribe and the progress stream returned by Install.
package provision
