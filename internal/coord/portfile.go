package coord

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/goph-auth/internal/errs"
)

// PortFileName is the sidecar file, under the data directory, that holds
// the supervisor's aux port.
const PortFileName = "aux_port.txt"

// WritePortFile atomically replaces path with port.
func WritePortFile(path string, port int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(port)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadPortFile parses the port stored at path.
func ReadPortFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("port file %s: %q: %w", path, b, errs.ErrInvalidInput)
	}
	return port, nil
}

// WaitPortFile polls path every poll until it holds a valid port or ctx ends.
func WaitPortFile(ctx context.Context, path string, poll time.Duration) (int, error) {
	for {
		port, err := ReadPortFile(path)
		if err == nil {
			return port, nil
		}
		if err := sleepCtx(ctx, poll); err != nil {
			return 0, fmt.Errorf("wait for %s: %w", path, err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
