// File: core/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package core is the composition root of the runtime. A Context owns the
// network server with its pool, the metrics registry, the service table and
// the crash handler, and is shared by every request handler.
package core
