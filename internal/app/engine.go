package app

import (
	"context"
	"errors"
	"fmt"

	"uploadbot/internal/config"
	"uploadbot/internal/eventbus"
	"uploadbot/internal/lock"
	"uploadbot/internal/media"
	"uploadbot/internal/metadata"
	"uploadbot/internal/publisher/youtube"
	"uploadbot/internal/storage"
	"uploadbot/internal/upload"
	logx "uploadbot/pkg/logx"
)

// Engine is the upload engine wired to its storage, media library and
// YouTube publisher. The bot and the CLI both build one.
type Engine struct {
	Store      *storage.SQLite
	Bus        eventbus.Bus
	Channels   *youtube.Registry
	Media      *media.Library
	Enricher   *metadata.Enricher
	Submitter  *upload.Submitter
	Queue      *upload.Queue
	Reporter   *upload.Reporter
	Dispatcher *upload.Dispatcher

	redis *lock.Redis
	log   logx.Logger
}

// OpenEngine opens the store and builds the engine. ctx bounds startup and
// also parents YouTube token refreshes, so it should live as long as the
// engine.
func OpenEngine(ctx context.Context, cfg *config.Config, bus eventbus.Bus, log logx.Logger) (*Engine, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	settings, us, err := mapEngineSettings(cfg)
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}

	st, err := storage.Open(ctx, sc, log)
	if err != nil {
		return nil, err
	}
	e := &Engine{Store: st, Bus: bus, log: log}

	var thumb *media.Thumbnailer
	if cfg.Thumbnail.Enabled {
		width := cfg.Thumbnail.Width
		if width <= 0 {
			width = config.DefaultThumbWidth
		}
		thumb = media.NewThumbnailer(cfg.Thumbnail.FFmpeg, cfg.Thumbnail.FFprobe, width)
	}
	if e.Media, err = media.NewLibrary(us.MediaDir, thumb, log); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("media library: %w", err)
	}

	var locker upload.Locker = lock.Noop{}
	lc, ok, err := mapLockConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if ok {
		e.redis = lock.NewRedis(lc, log)
		if err := e.redis.Ping(ctx); err != nil {
			// Ticks fail until Redis answers; the bot keeps serving commands.
			log.Warn("dispatch lock unreachable", logx.String("key", lc.Key), logx.Err(err))
		}
		locker = e.redis
	}

	e.Channels = youtube.NewRegistry(us.ChannelsPath)
	e.Enricher = metadata.New(metadata.Options{
		DescriptionsFile: cfg.Metadata.DescriptionsFile,
		TagsFile:         cfg.Metadata.TagsFile,
		Logger:           log,
	})
	e.Submitter = upload.NewSubmitter(upload.SubmitterOptions{
		Store:         st,
		Destinations:  e.Channels,
		Enricher:      e.Enricher,
		Media:         e.Media,
		MaxMediaBytes: us.MaxMediaBytes,
		Logger:        log,
	})
	e.Dispatcher = upload.NewDispatcher(upload.DispatcherOptions{
		Store: st,
		Publisher: youtube.New(ctx, youtube.Options{
			Registry: e.Channels,
			Media:    e.Media,
			Logger:   log,
		}),
		Bus:      bus,
		Locker:   locker,
		Logger:   log,
		Settings: settings,
	})
	e.Queue = upload.NewQueue(st, e.Dispatcher.Settings, nil, log)
	e.Reporter = upload.NewReporter(st, e.Channels, e.dailyLimit, nil)

	if len(e.Channels.Destinations()) == 0 {
		log.Warn("no channels configured", logx.String("dir", us.ChannelsPath))
	}
	return e, nil
}

func (e *Engine) dailyLimit() int { return e.Dispatcher.Settings().DailyLimit }

// Apply pushes reloadable upload settings into the running engine.
func (e *Engine) Apply(cfg *config.Config) error {
	settings, us, err := mapEngineSettings(cfg)
	if err != nil {
		return err
	}
	e.Dispatcher.Apply(settings)
	e.Submitter.SetMaxMediaBytes(us.MaxMediaBytes)
	e.Enricher.Reload(cfg.Metadata.DescriptionsFile, cfg.Metadata.TagsFile)
	return nil
}

// Close abandons pending late publish results, then closes the lock
// client and the store.
func (e *Engine) Close() error {
	e.Dispatcher.Close()
	var errs []error
	if e.redis != nil {
		errs = append(errs, e.redis.Close())
	}
	errs = append(errs, e.Store.Close())
	return errors.Join(errs...)
}
