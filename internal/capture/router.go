package capture

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/afero"

	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gst"
	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
)

// Router creates the capture backend for each recording source
type Router struct {
	Quality   gfx.Interpolation
	Fs        afero.Fs
	GstLaunch string
	Windows   WindowResolver
	// Duplicators open display duplication per capture API
	Duplicators map[config.CaptureAPI]DuplicatorFactory
}

// NewRouter creates a router with the host backends
func NewRouter(cfg *config.Config, windows WindowResolver) *Router {
	launch := cfg.Encoder.GstLaunch
	if launch == "" {
		launch = gst.DefaultLaunch
	}
	return &Router{
		Quality:   gfx.Interpolation(cfg.Output.Interpolation),
		Fs:        afero.NewOsFs(),
		GstLaunch: launch,
		Windows:   windows,
		Duplicators: map[config.CaptureAPI]DuplicatorFactory{
			config.CaptureAPIX11:      OpenX11Duplicator,
			config.CaptureAPIPipeWire: NewPipeWireDuplicatorFactory(launch),
		},
	}
}

// NewSource creates an uninitialized source for src
func (r *Router) NewSource(src config.RecordingSource) (Source, error) {
	switch src.Type {
	case config.SourceDisplay:
		api := resolveAPI(src.API)
		open, ok := r.Duplicators[api]
		if !ok {
			return nil, fmt.Errorf("%w: no display duplication for api %q", ErrUnsupported, api)
		}
		logger.WithComponent("capture-router").Debug().Str("source", src.String()).Str("api", string(api)).Msg("Routing display source")
		return NewDuplicationSource(open, r.Quality), nil
	case config.SourceWindow, config.SourceRegion:
		return NewX11Capturer(r.Windows, r.Quality), nil
	case config.SourceImage:
		return NewImageSource(r.fs(), r.Quality), nil
	case config.SourceAnimation:
		return NewAnimationSource(r.fs(), r.Quality), nil
	case config.SourceVideo:
		return NewVideoSource(r.GstLaunch, r.Quality), nil
	default:
		return nil, fmt.Errorf("%w: source type %q", ErrUnsupported, src.Type)
	}
}

func (r *Router) fs() afero.Fs {
	if r.Fs == nil {
		return afero.NewOsFs()
	}
	return r.Fs
}

// resolveAPI picks X11 when an X display is reachable and PipeWire on
// pure Wayland sessions
func resolveAPI(api config.CaptureAPI) config.CaptureAPI {
	if api != config.CaptureAPIAuto {
		return api
	}
	if os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") != "" {
		return config.CaptureAPIPipeWire
	}
	return config.CaptureAPIX11
}

// CheckDependencies reports what the host lacks to capture src
func (r *Router) CheckDependencies(src config.RecordingSource) error {
	needX := false
	needGst := false
	switch src.Type {
	case config.SourceDisplay:
		switch resolveAPI(src.API) {
		case config.CaptureAPIX11:
			needX = true
		case config.CaptureAPIPipeWire:
			needGst = true
		}
	case config.SourceWindow, config.SourceRegion:
		needX = true
	case config.SourceVideo:
		needGst = true
	}

	if needX && os.Getenv("DISPLAY") == "" {
		return fmt.Errorf("%w: %s needs an X11 display but DISPLAY is not set", ErrUnsupported, src.String())
	}
	if needGst {
		if _, err := exec.LookPath(r.GstLaunch); err != nil {
			return fmt.Errorf("%w: %s needs %s: %v", ErrUnsupported, src.String(), r.GstLaunch, err)
		}
	}
	return nil
}
