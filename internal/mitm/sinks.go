package mitm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rcarmo/go-rdp-mitm/internal/config"
	"github.com/rcarmo/go-rdp-mitm/internal/event"
	"github.com/rcarmo/go-rdp-mitm/internal/intercept"
	"github.com/rcarmo/go-rdp-mitm/internal/livestream"
	"github.com/rcarmo/go-rdp-mitm/internal/recording"
)

// SinkSet is what a session records to.
type SinkSet struct {
	Stages []intercept.Stage

	// Close releases every sink. It may be nil.
	Close func() error

	// Recording is the path of the replay file, if any.
	Recording string
}

// SinkFactory opens the sinks of a new session. A returned set is used for
// cleanup even when err is set.
type SinkFactory func(ctx context.Context, start event.SessionStart) (*SinkSet, error)

// SinkConfig selects the sinks NewSinkFactory opens.
type SinkConfig struct {
	Recording    config.RecordingConfig
	Live         config.LiveStreamConfig
	CloseTimeout time.Duration
}

// NewSinkFactory returns a factory for the configured recording, capture and
// live stream sinks. hub may be nil.
func NewSinkFactory(cfg SinkConfig, hub *livestream.Hub, log Logger) SinkFactory {
	if log == nil {
		log = nopLogger{}
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}

	return func(ctx context.Context, start event.SessionStart) (*SinkSet, error) {
		set := &SinkSet{}
		var closers []func() error

		set.Close = func() error {
			var errs []error
			for _, c := range closers {
				errs = append(errs, c())
			}
			return errors.Join(errs...)
		}

		if dir := cfg.Recording.OutputDir; dir != "" {
			h, err := recording.NewFileSink(dir).Open(start.ID)
			if err != nil {
				if cfg.Recording.Mandatory {
					return set, fmt.Errorf("open recording: %w", err)
				}
				log.Warnf("session %s: recording disabled: %v", start.ID, err)
			} else {
				stage := recording.NewStage("recording", h, cfg.Recording.Mandatory)
				set.Stages = append(set.Stages, stage)
				closers = append(closers, stage.Close)
				if p, ok := h.(interface{ Path() string }); ok {
					set.Recording = p.Path()
				}
			}

			if cfg.Recording.Pcap {
				h, err := recording.NewPcapSink(dir).Open(start.ID)
				if err != nil {
					log.Warnf("session %s: packet capture disabled: %v", start.ID, err)
				} else {
					stage := recording.NewStage("pcap", h, false)
					set.Stages = append(set.Stages, stage)
					closers = append(closers, stage.Close)
				}
			}
		}

		if cfg.Live.Enabled() {
			sink, err := livestream.Dial(ctx, livestream.Options{
				Addr:      cfg.Live.Addr(),
				Transport: cfg.Live.Transport,
				QueueSize: cfg.Live.QueueSize,
				Session:   start.ID,
			})
			if err != nil {
				log.Warnf("session %s: live stream to %s unavailable: %v", start.ID, cfg.Live.Addr(), err)
			} else {
				set.Stages = append(set.Stages, sink)
				closers = append(closers, func() error { return sink.Close(cfg.CloseTimeout) })
			}
		}

		if hub != nil {
			set.Stages = append(set.Stages, hub.Stage(start.ID))
		}

		return set, nil
	}
}
