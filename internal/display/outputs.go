package display

import (
	"errors"
	"fmt"
	"image"
	"sort"
	"strings"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/xproto"

	"github.com/bryanchriswhite/ScreenRecorder/internal/geometry"
)

// ErrOutputNotFound is returned when no connected output matches a name
var ErrOutputNotFound = errors.New("display output not found")

// Output is one active monitor on the X screen
type Output struct {
	Name     string            `json:"name"`
	Bounds   image.Rectangle   `json:"bounds"`
	Rotation geometry.Rotation `json:"rotation"`
	Primary  bool              `json:"primary"`
}

// Width of the output in pixels
func (o Output) Width() int { return o.Bounds.Dx() }

// Height of the output in pixels
func (o Output) Height() int { return o.Bounds.Dy() }

// ListOutputs returns every connected output driven by a CRTC, primary
// first. randr.Init must have succeeded on conn.
func ListOutputs(conn *xgb.Conn, root xproto.Window) ([]Output, error) {
	res, err := randr.GetScreenResourcesCurrent(conn, root).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get screen resources: %w", err)
	}

	var primary randr.Output
	if p, err := randr.GetOutputPrimary(conn, root).Reply(); err == nil && p != nil {
		primary = p.Output
	}

	outputs := make([]Output, 0, len(res.Outputs))
	for _, id := range res.Outputs {
		info, err := randr.GetOutputInfo(conn, id, res.ConfigTimestamp).Reply()
		if err != nil || info == nil {
			continue
		}
		if info.Connection != randr.ConnectionConnected || info.Crtc == 0 {
			continue
		}
		crtc, err := randr.GetCrtcInfo(conn, info.Crtc, res.ConfigTimestamp).Reply()
		if err != nil || crtc == nil || crtc.Width == 0 || crtc.Height == 0 {
			continue
		}
		outputs = append(outputs, Output{
			Name:     string(info.Name),
			Bounds:   image.Rect(int(crtc.X), int(crtc.Y), int(crtc.X)+int(crtc.Width), int(crtc.Y)+int(crtc.Height)),
			Rotation: rotationFromRandR(crtc.Rotation),
			Primary:  id == primary,
		})
	}

	sort.SliceStable(outputs, func(i, j int) bool {
		if outputs[i].Primary != outputs[j].Primary {
			return outputs[i].Primary
		}
		return outputs[i].Name < outputs[j].Name
	})
	return outputs, nil
}

// FindOutput selects an output by name, case-insensitively. An empty name
// selects the primary output, or the first one when none is primary.
func FindOutput(outputs []Output, name string) (Output, error) {
	if len(outputs) == 0 {
		return Output{}, ErrOutputNotFound
	}
	if name == "" {
		return outputs[0], nil
	}
	for _, o := range outputs {
		if strings.EqualFold(o.Name, name) {
			return o, nil
		}
	}
	return Output{}, fmt.Errorf("%w: %s", ErrOutputNotFound, name)
}

// ScreenOutput describes the whole X screen as one output, for servers
// without RandR
func ScreenOutput(screen *xproto.ScreenInfo) Output {
	return Output{
		Name:    "screen",
		Bounds:  image.Rect(0, 0, int(screen.WidthInPixels), int(screen.HeightInPixels)),
		Primary: true,
	}
}

func rotationFromRandR(r uint16) geometry.Rotation {
	switch {
	case r&randr.RotationRotate90 != 0:
		return geometry.Rotate90
	case r&randr.RotationRotate180 != 0:
		return geometry.Rotate180
	case r&randr.RotationRotate270 != 0:
		return geometry.Rotate270
	default:
		return geometry.Rotate0
	}
}

// Connected opens a connection to the X server and lists its outputs.
// Servers without RandR report the whole screen.
func Connected() ([]Output, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}
	defer conn.Close()

	screen := xproto.Setup(conn).DefaultScreen(conn)
	if err := randr.Init(conn); err != nil {
		return []Output{ScreenOutput(screen)}, nil
	}
	outputs, err := ListOutputs(conn, screen.Root)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return []Output{ScreenOutput(screen)}, nil
	}
	return outputs, nil
}
