package video

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
)

// RemuxAudio copies the first audio track of originalPath into
// videoOnlyPath, writing the result to finalPath. If originalPath has
// no audio track, videoOnlyPath is simply renamed to finalPath. If the
// remux itself fails, the
// video-only file is kept (renamed to finalPath) and a warning is
// logged rather than failing the task — audio loss is non-fatal.
func RemuxAudio(ctx context.Context, originalPath, videoOnlyPath, finalPath string, hasAudio bool) error {
	if !hasAudio {
		return os.Rename(videoOnlyPath, finalPath)
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "warning",
		"-y",
		"-i", videoOnlyPath,
		"-i", originalPath,
		"-map", "0:v:0",
		"-map", "1:a:0?",
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		finalPath,
	)
	if err := cmd.Run(); err != nil {
		slog.Warn("audio remux failed, keeping video-only output", "error", err)
		if renameErr := os.Rename(videoOnlyPath, finalPath); renameErr != nil {
			return fmt.Errorf("remux failed and fallback rename failed: %w", renameErr)
		}
		return nil
	}

	if err := os.Remove(videoOnlyPath); err != nil {
		slog.Warn("could not remove intermediate video-only file", "path", videoOnlyPath, "error", err)
	}
	return nil
}
