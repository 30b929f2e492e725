// Package job launches pipeline jobs and observes their state.
//
// Launcher is the narrow capability the harness consumes: Launch, Cancel
// and QueryState. Two implementations are provided: ProcessLauncher runs
// the job as a local process and ContainerLauncher runs it as a Docker
// container. Both pass launch parameters as --name=value arguments.
package job
