// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics, configuration control, and debug introspection layer.
//
// Provides concurrent-safe state handling primitives including:
//   - An explicitly owned metric registry with a retention policy
//   - Configuration loading and hot-reload snapshots
//   - Debug probe registration and state export
//
// Nothing in this package keeps process-wide state; the composition root
// owns every registry and passes it to the components that record into it.
package control
