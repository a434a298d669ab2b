package printer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SpoolSink delivers rendered tickets as files under a spool directory,
// one subdirectory per destination. A print server or hardware bridge
// picks them up from there.
type SpoolSink struct {
	// Dir is the spool root. Destination subdirectories are created on
	// demand.
	Dir string
}

// Deliver writes the rendered ticket to the destination's spool
// subdirectory. The filename embeds a nanosecond timestamp so concurrent
// deliveries never collide.
func (s *SpoolSink) Deliver(ctx context.Context, rendered string, dest Destination) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Join(s.Dir, string(dest))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory %s: %w", dir, err)
	}

	name := fmt.Sprintf("%d.txt", time.Now().UnixNano())
	path := filepath.Join(dir, name)

	// Write to a temp file first so pickup never sees a partial ticket.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(rendered), 0644); err != nil {
		return fmt.Errorf("failed to spool ticket: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize spooled ticket: %w", err)
	}
	return nil
}
