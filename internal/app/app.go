// Package app wires the services together: config manager, logging, storage,
// actuation gateway, trigger scheduler, position classifier, notifier and the
// debug surface. It owns startup order, config-reload fanout and shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"silentmate/internal/config"
	"silentmate/internal/eventbus"
	"silentmate/internal/geofence"
	"silentmate/internal/location"
	"silentmate/internal/observability/debug"
	"silentmate/internal/platform"
	"silentmate/internal/services/audio"
	"silentmate/internal/services/notify"
	"silentmate/internal/services/sensors"
	"silentmate/internal/services/triggers"
	"silentmate/internal/storage"
	logx "silentmate/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	provider location.Provider
	source   sensors.Source

	gw     *audio.Gateway
	fences *geofence.Service
	trig   *triggers.Service
	sens   *sensors.Service
	notif  *notify.Service
	dbg    *debug.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, rootLog := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log := rootLog.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, rootLog.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	var provider location.Provider
	if cfg.Location != nil && strings.TrimSpace(cfg.Location.FixPath) != "" {
		age, err := maxFixAge(cfg)
		if err != nil {
			return nil, err
		}
		provider = platform.NewFixFile(cfg.Location.FixPath, age, rootLog.With(logx.String("comp", "location")))
	}

	ringer := platform.NewRinger(mapRingerConfig(cfg), rootLog.With(logx.String("comp", "ringer")))
	gw := audio.NewGateway(ringer, rootLog.With(logx.String("comp", "audio")), bus)

	gfCfg, err := mapGeofenceConfig(cfg)
	if err != nil {
		return nil, err
	}
	fences := geofence.New(gfCfg, provider, rootLog.With(logx.String("comp", "geofence")), bus)

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifLog := rootLog.With(logx.String("comp", "notify"))
	notif := notify.New(ncfg, notify.LogSink{Log: notifLog}, notifLog, bus)

	tcfg, err := mapTriggersConfig(cfg)
	if err != nil {
		return nil, err
	}
	trig := triggers.New(tcfg, store, provider, fences, gw, notif, rootLog.With(logx.String("comp", "triggers")), bus)
	fences.SetHandler(trig.HandleGeofenceEnter)

	var source sensors.Source
	if strings.TrimSpace(cfg.Sensors.SamplePath) != "" {
		source = platform.NewSampleTail(cfg.Sensors.SamplePath, 0, rootLog.With(logx.String("comp", "sensors")))
	}
	senscfg, err := mapSensorsConfig(cfg)
	if err != nil {
		return nil, err
	}
	sens := sensors.New(senscfg, source, gw, notif, rootLog.With(logx.String("comp", "sensors")), bus)

	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		provider: provider,
		source:   source,
		gw:       gw,
		fences:   fences,
		trig:     trig,
		sens:     sens,
		notif:    notif,
	}
	a.dbg = debug.New(dcfg, a.status, rootLog.With(logx.String("comp", "debug")))
	return a, nil
}

// status aggregates the per-service snapshots for the debug endpoint.
func (a *App) status() any {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return struct {
		Time          time.Time               `json:"time"`
		Triggers      triggers.Snapshot       `json:"triggers"`
		Sensors       sensors.StateSnapshot   `json:"sensors"`
		Ringer        audio.Snapshot          `json:"ringer"`
		Geofences     []geofence.Registration `json:"geofences"`
		Notifications []notify.HistoryItem    `json:"notifications"`
	}{
		Time:          time.Now(),
		Triggers:      a.trig.Snapshot(),
		Sensors:       a.sens.Snapshot(),
		Ringer:        a.gw.Snapshot(ctx),
		Geofences:     a.fences.Snapshot(),
		Notifications: a.notif.Snapshot(),
	}
}

// validate rejects bad hot-reloads before they are committed and published.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapTriggersConfig(cfg); err != nil {
		return err
	}
	if _, err := mapGeofenceConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSensorsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifyConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	if _, err := maxFixAge(cfg); err != nil {
		return err
	}
	if cfg.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0")
	}
	if cfg.Scheduler.RetryMax < 0 {
		return fmt.Errorf("scheduler.retry_max must be >= 0")
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	cfg := a.cfgm.Get()

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	if a.provider != nil {
		a.fences.Start(runCtx)
	}
	if a.trig.Enabled() {
		a.trig.Start(runCtx)
		a.importCalendar(runCtx, cfg)
		if err := a.trig.Resync(runCtx); err != nil {
			a.log.Warn("initial trigger resync failed", logx.Err(err))
		}
	}
	if a.source != nil {
		if err := a.sens.StartListening(runCtx, nil); err != nil {
			a.log.Warn("sensor listening failed to start", logx.Err(err))
		}
	}
	if a.dbg.Enabled() {
		a.dbg.Start(runCtx)
	}

	// Debug-level event visibility; components also subscribe themselves.
	events, unsub := a.bus.Subscribe(128)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-runCtx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}()

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyReload(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.log.Debug("config change summary",
		append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	for _, s := range sections {
		switch s {
		case "storage", "location", "audio":
			// These wire collaborator boundaries fixed at construction.
			a.log.Warn("config section changed; restart required for it to take effect",
				logx.String("section", s))
		}
	}

	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	// Trigger scheduler (live apply + enable/disable)
	prevTrigEnabled := a.trig.Enabled()
	if tcfg, err := mapTriggersConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.trig.Apply(tcfg)
		if prevTrigEnabled && !tcfg.Enabled {
			a.log.Info("trigger scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.trig.Stop(stopCtx)
			cancel()
		} else if !prevTrigEnabled && tcfg.Enabled {
			a.log.Info("trigger scheduler enabled via config")
			a.trig.Start(ctx)
			a.importCalendar(ctx, newCfg)
			if err := a.trig.Resync(ctx); err != nil {
				a.log.Warn("trigger resync failed", logx.Err(err))
			}
		}
	}

	// Classifier (live apply; sample source is fixed at construction)
	if scfg, err := mapSensorsConfig(newCfg); err != nil {
		a.log.Warn("invalid sensors config; keeping previous", logx.Err(err))
	} else {
		a.sens.Apply(scfg)
	}
	if oldCfg != nil && strings.TrimSpace(oldCfg.Sensors.SamplePath) != strings.TrimSpace(newCfg.Sensors.SamplePath) {
		a.log.Warn("sensors.sample_path changed; restart required for it to take effect")
	}

	// Notifier (live apply + enable/disable)
	prevNotifEnabled := a.notif.Enabled()
	if ncfg, err := mapNotifyConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		if prevNotifEnabled && !ncfg.Enabled {
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !prevNotifEnabled && ncfg.Enabled {
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	// Debug server (restart as needed)
	if dcfg, err := mapDebugConfig(newCfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.dbg.Reconfigure(ctx, dcfg)
	}

	// Calendar re-import when the path changes.
	var oCal, nCal string
	if oldCfg != nil && oldCfg.Calendar != nil {
		oCal = strings.TrimSpace(oldCfg.Calendar.Path)
	}
	if newCfg.Calendar != nil {
		nCal = strings.TrimSpace(newCfg.Calendar.Path)
	}
	if oCal != nCal && nCal != "" && a.trig.Enabled() {
		a.importCalendar(ctx, newCfg)
		if err := a.trig.Resync(ctx); err != nil {
			a.log.Warn("trigger resync failed", logx.Err(err))
		}
	}

	a.log.Info("config reloaded",
		append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.cancel != nil {
		a.cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		done := make(chan struct{})
		go func() {
			defer close(done)
			fn(stepCtx)
		}()
		select {
		case <-done:
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("sensors", 2*time.Second, func(context.Context) { a.sens.StopListening() })
	step("triggers", 2*time.Second, func(c context.Context) { a.trig.Stop(c) })
	step("geofence", 2*time.Second, func(c context.Context) { a.fences.Stop(c) })
	step("debug", time.Second, func(c context.Context) { a.dbg.Stop(c) })
	step("notifier", 2*time.Second, func(c context.Context) { a.notif.Stop(c) })
	if a.store != nil {
		step("storage", time.Second, func(context.Context) {
			if err := a.store.Close(); err != nil {
				a.log.Warn("storage close failed", logx.Err(err))
			}
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("background loops did not unwind before deadline")
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
