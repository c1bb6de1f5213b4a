//go:build !unix

package transcode

import "os/exec"

// setProcessGroup keeps the default cancellation, which kills the encoder
// process itself.
func setProcessGroup(cmd *exec.Cmd) {}

func exitSignal(exitErr *exec.ExitError) string {
	return ""
}
