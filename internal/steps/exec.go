package steps

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lanseria/fy-4b-tools/internal/pipeline"
)

// stderrTailLimit caps how much tool output is folded into an error.
const stderrTailLimit = 512

// runTool executes an external program, classifying a missing binary as
// permanent and a non-zero exit as transient with the stderr tail attached.
func runTool(ctx context.Context, log zerolog.Logger, name string, args []string) error {
	path, err := exec.LookPath(name)
	if err != nil {
		return pipeline.Permanent(fmt.Errorf("%s not found in PATH: %w", name, err))
	}

	cmd := exec.CommandContext(ctx, path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	log.Debug().Str("tool", name).Strs("args", args).Msg("running external tool")
	if err := cmd.Run(); err != nil {
		return pipeline.Transient(fmt.Errorf("%s: %w: %s", name, err, stderrTail(stderr.Bytes())))
	}
	return nil
}

func stderrTail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > stderrTailLimit {
		s = "..." + s[len(s)-stderrTailLimit:]
	}
	return s
}
