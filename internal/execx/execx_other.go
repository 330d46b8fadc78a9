//go:build !unix

package execx

import "os/exec"

// killTree keeps the default behaviour of killing the direct child.
func killTree(cmd *exec.Cmd) {}
