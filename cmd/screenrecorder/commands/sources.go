package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"

	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
)

// sourceList collects repeated --source flags
type sourceList []config.RecordingSource

var _ pflag.Value = (*sourceList)(nil)

func (l *sourceList) String() string {
	names := make([]string, len(*l))
	for i := range *l {
		names[i] = (*l)[i].String()
	}
	return strings.Join(names, ",")
}

func (l *sourceList) Set(value string) error {
	src, err := parseSource(value)
	if err != nil {
		return err
	}
	*l = append(*l, src)
	return nil
}

func (l *sourceList) Type() string {
	return "type:value"
}

// parseSource parses a source flag:
//
//	display[:OUTPUT]
//	window:ID | window:TITLE-REGEX | window:class=CLASS-REGEX
//	region:X,Y,WIDTH,HEIGHT
//	image:PATH | video:PATH | animation:PATH
func parseSource(value string) (config.RecordingSource, error) {
	kind, arg, _ := strings.Cut(value, ":")
	src := config.RecordingSource{Type: config.SourceType(strings.ToLower(kind))}

	switch src.Type {
	case config.SourceDisplay:
		src.Device = arg
	case config.SourceWindow:
		if arg == "" {
			return src, fmt.Errorf("window source needs an id, title or class")
		}
		if id, err := strconv.ParseUint(arg, 0, 32); err == nil {
			src.WindowID = uint32(id)
		} else if class, ok := strings.CutPrefix(arg, "class="); ok {
			src.WindowClass = class
		} else {
			src.WindowTitle = arg
		}
	case config.SourceRegion:
		parts := strings.Split(arg, ",")
		if len(parts) != 4 {
			return src, fmt.Errorf("region source needs X,Y,WIDTH,HEIGHT, got %q", arg)
		}
		var n [4]int
		for i, p := range parts {
			v, err := cast.ToIntE(strings.TrimSpace(p))
			if err != nil {
				return src, fmt.Errorf("invalid region %q: %w", arg, err)
			}
			n[i] = v
		}
		if n[2] <= 0 || n[3] <= 0 {
			return src, fmt.Errorf("region %q has no area", arg)
		}
		src.Region = &config.Rect{Left: n[0], Top: n[1], Right: n[0] + n[2], Bottom: n[1] + n[3]}
	case config.SourceImage, config.SourceVideo, config.SourceAnimation:
		if arg == "" {
			return src, fmt.Errorf("%s source needs a path", src.Type)
		}
		src.Path = arg
	default:
		return src, fmt.Errorf("unknown source type %q (use display, window, region, image, video or animation)", kind)
	}
	return src, nil
}

// parseValue converts a command line value to the most specific scalar it
// represents, so numbers and booleans are stored with their type
func parseValue(raw string) interface{} {
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return v
	}
	if l := strings.ToLower(raw); l == "true" || l == "false" {
		return cast.ToBool(l)
	}
	return raw
}
