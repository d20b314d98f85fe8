// Package video implements the concurrent video processing engine:
// decode, multi-worker swap/enhance, ordered write-back, and audio
// remux, driven entirely through the ffmpeg CLI via exec.Command/pipe
// plumbing: a seekable rawvideo-bgr24 decode/encode pair suited to
// whole video files.
package video

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/yourorg/fswap/internal/vision"
)

// Info is the subset of ffprobe's output the pipeline needs to size its
// decode loop and pick an encoder frame rate.
type Info struct {
	Width       int
	Height      int
	FPS         float64
	TotalFrames int
	HasAudio    bool
}

// Probe runs ffprobe against path and extracts stream geometry, frame
// rate, an estimated total frame count, and audio-track presence.
func Probe(ctx context.Context, path string) (Info, error) {
	out, err := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	).Output()
	if err != nil {
		return Info{}, fmt.Errorf("ffprobe: %w", err)
	}

	var probe struct {
		Streams []struct {
			CodecType    string `json:"codec_type"`
			Width        int    `json:"width"`
			Height       int    `json:"height"`
			RFrameRate   string `json:"r_frame_rate"`
			NbFrames     string `json:"nb_frames"`
			Duration     string `json:"duration"`
		} `json:"streams"`
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &probe); err != nil {
		return Info{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	var info Info
	var videoDuration float64
	for _, s := range probe.Streams {
		switch s.CodecType {
		case "video":
			info.Width = s.Width
			info.Height = s.Height
			info.FPS = parseFrameRate(s.RFrameRate)
			if n, err := strconv.Atoi(s.NbFrames); err == nil && n > 0 {
				info.TotalFrames = n
			}
			if d, err := strconv.ParseFloat(s.Duration, 64); err == nil {
				videoDuration = d
			}
		case "audio":
			info.HasAudio = true
		}
	}

	if info.TotalFrames == 0 {
		duration := videoDuration
		if duration == 0 {
			if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
				duration = d
			}
		}
		if duration > 0 && info.FPS > 0 {
			info.TotalFrames = int(duration * info.FPS)
		}
	}
	if info.Width == 0 || info.Height == 0 {
		return info, fmt.Errorf("ffprobe reported no video stream dimensions")
	}
	return info, nil
}

func parseFrameRate(s string) float64 {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}

// Decoder pipes a video file through ffmpeg as raw BGR24 frames.
type Decoder struct {
	cmd    *exec.Cmd
	stdout *bufio.Reader
	W, H   int
}

// NewDecoder starts an ffmpeg process decoding path into a raw BGR24
// frame stream on stdout, sized W*H*3 bytes per frame.
func NewDecoder(ctx context.Context, path string, w, h int) (*Decoder, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "warning",
		"-i", path,
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("decoder stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("decoder stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start decoder: %w", err)
	}
	go logStderr("decoder", stderr)

	return &Decoder{
		cmd:    cmd,
		stdout: bufio.NewReaderSize(stdout, 4*1024*1024),
		W:      w,
		H:      h,
	}, nil
}

// ReadFrame reads exactly one W*H*3-byte BGR24 frame, returning io.EOF
// once the stream ends cleanly (including a short final read, which
// ffmpeg can produce on malformed trailers — treated as end of stream
// rather than an error).
func (d *Decoder) ReadFrame() ([]byte, error) {
	buf := make([]byte, d.W*d.H*3)
	n, err := io.ReadFull(d.stdout, buf)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	if n < len(buf) {
		return nil, io.EOF
	}
	return buf, nil
}

// Close waits for the decoder process to exit.
func (d *Decoder) Close() error {
	return d.cmd.Wait()
}

// Encoder pipes raw BGR24 frames into ffmpeg, which muxes them into a
// video-only output file via libx264.
type Encoder struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// scaledBitrate implements the encode contract: bitrate scaled linearly
// from a 4 Mbps @ 1080p reference by pixel count, floored at 1 Mbps.
func scaledBitrate(w, h int) int {
	const refBitrate = 4_000_000
	const refPixels = 1920 * 1080
	b := int(float64(refBitrate) * float64(w*h) / float64(refPixels))
	if b < 1_000_000 {
		b = 1_000_000
	}
	return b
}

// NewEncoder starts an ffmpeg process that reads raw BGR24 frames
// sized w*h*3 bytes from stdin at the given fps and writes a video-only
// H.264 file to outputPath. Bitrate and GOP follow the encode contract:
// linearly-scaled bitrate and a 1-second I-frame interval (`-g`/`keyint`
// pinned to the frame rate).
func NewEncoder(ctx context.Context, outputPath string, w, h int, fps float64) (*Encoder, error) {
	if fps <= 0 {
		fps = 25
	}
	gop := int(fps + 0.5)
	if gop < 1 {
		gop = 1
	}
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "warning",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", w, h),
		"-r", fmt.Sprintf("%f", fps),
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-profile:v", "high",
		"-pix_fmt", "yuv420p",
		"-b:v", strconv.Itoa(scaledBitrate(w, h)),
		"-g", strconv.Itoa(gop),
		"-x264opts", fmt.Sprintf("keyint=%d:min-keyint=%d", gop, gop),
		outputPath,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start encoder: %w", err)
	}
	go logStderr("encoder", stderr)

	return &Encoder{cmd: cmd, stdin: stdin}, nil
}

// WriteFrame writes one raw BGR24 frame to the encoder's input pipe.
func (e *Encoder) WriteFrame(frame []byte) error {
	_, err := e.stdin.Write(frame)
	return err
}

// Close signals end of stream and waits for the encoder to finish
// muxing.
func (e *Encoder) Close() error {
	if err := e.stdin.Close(); err != nil {
		return fmt.Errorf("close encoder stdin: %w", err)
	}
	return e.cmd.Wait()
}

// Kill forcibly terminates the encoder process, used on cancellation
// to avoid waiting for a clean mux of a file about to be deleted.
func (e *Encoder) Kill() {
	if e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
}

// ExtractKeyFrame decodes the single frame nearest atMs into a
// vision.Image for the façade's detect_faces_in_video pathway: seeks,
// decodes one frame, and runs the image pathway. Returns the decoded
// frame's index alongside the image so the caller can report
// {frame_index} without re-probing.
func ExtractKeyFrame(ctx context.Context, path string, atMs int) (*vision.Image, int, error) {
	info, err := Probe(ctx, path)
	if err != nil {
		return nil, 0, fmt.Errorf("probe video: %w", err)
	}

	seconds := float64(atMs) / 1000.0
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "warning",
		"-ss", fmt.Sprintf("%f", seconds),
		"-i", path,
		"-frames:v", "1",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"pipe:1",
	)
	raw, err := cmd.Output()
	if err != nil {
		return nil, 0, fmt.Errorf("extract key frame: %w", vision.ErrVideoOpenFailed)
	}

	expected := info.Width * info.Height * 3
	if len(raw) < expected {
		return nil, 0, fmt.Errorf("extract key frame: short read (%d of %d bytes): %w", len(raw), expected, vision.ErrVideoOpenFailed)
	}

	pix := make([]uint8, expected)
	for i := 0; i+2 < expected; i += 3 {
		pix[i], pix[i+1], pix[i+2] = raw[i+2], raw[i+1], raw[i]
	}

	frameIndex := 0
	if info.FPS > 0 {
		frameIndex = int(seconds*info.FPS + 0.5)
	}
	return &vision.Image{Pix: pix, W: info.Width, H: info.Height}, frameIndex, nil
}

func logStderr(tag string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		slog.Warn("ffmpeg stderr", "stage", tag, "output", scanner.Text())
	}
}
