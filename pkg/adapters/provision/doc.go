// Package provision provides input provisioner implementations.
//
// Implementations:
//   - toolchain: invokes the external input-generation tooling
//   - memory: fabricated work directories for testing
package provision
