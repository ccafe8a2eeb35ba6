package gst

import (
	"context"
	"fmt"
	"image"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ProbeTimeout bounds how long Probe waits for caps to be negotiated
const ProbeTimeout = 10 * time.Second

// Probe runs source into a fakesink for one buffer and reads the negotiated
// video size and framerate from the verbose caps output
func Probe(ctx context.Context, launch string, source ...Element) (image.Point, float64, error) {
	if launch == "" {
		launch = DefaultLaunch
	}
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	elements := append([]Element{}, source...)
	elements = append(elements, El("fakesink", "num-buffers=1"))
	argv := LaunchArgs(launch, elements...)
	// verbose mode prints the caps, quiet mode would hide them
	argv[1] = "-v"

	output, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	size, fps := ParseCaps(string(output))
	if size.X > 0 && size.Y > 0 {
		return size, fps, nil
	}
	if err != nil {
		return image.Point{}, 0, fmt.Errorf("probe failed: %w", err)
	}
	return image.Point{}, 0, fmt.Errorf("could not determine video dimensions")
}

// ParseCaps finds the first raw video caps line in verbose gst-launch
// output and returns its size and framerate
func ParseCaps(output string) (image.Point, float64) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "video/x-raw") || !strings.Contains(line, "width=") {
			continue
		}
		w := extractIntFromCaps(line, "width")
		h := extractIntFromCaps(line, "height")
		if w <= 0 || h <= 0 {
			continue
		}
		return image.Pt(w, h), extractFraction(line, "framerate")
	}
	return image.Point{}, 0
}

// extractIntFromCaps reads "key=(int)1920" or "key=1920"
func extractIntFromCaps(caps, key string) int {
	for _, pattern := range []string{key + "=(int)", key + "="} {
		idx := strings.Index(caps, pattern)
		if idx < 0 {
			continue
		}
		start := idx + len(pattern)
		end := start
		for end < len(caps) && caps[end] >= '0' && caps[end] <= '9' {
			end++
		}
		if v, err := strconv.Atoi(caps[start:end]); err == nil {
			return v
		}
	}
	return 0
}

// extractFraction reads "key=(fraction)30000/1001"
func extractFraction(caps, key string) float64 {
	for _, pattern := range []string{key + "=(fraction)", key + "="} {
		idx := strings.Index(caps, pattern)
		if idx < 0 {
			continue
		}
		rest := caps[idx+len(pattern):]
		if end := strings.IndexAny(rest, ", ;"); end >= 0 {
			rest = rest[:end]
		}
		num, den, ok := strings.Cut(rest, "/")
		if !ok {
			continue
		}
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 == nil && err2 == nil && d != 0 {
			return n / d
		}
	}
	return 0
}
