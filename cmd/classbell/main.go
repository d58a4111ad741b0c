package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tazhate/classbell/config"
	"github.com/tazhate/classbell/internal/api"
	"github.com/tazhate/classbell/internal/bot"
	"github.com/tazhate/classbell/internal/clients/caldav"
	"github.com/tazhate/classbell/internal/clients/smtp"
	"github.com/tazhate/classbell/internal/clients/telegram"
	"github.com/tazhate/classbell/internal/logx"
	"github.com/tazhate/classbell/internal/notify"
	"github.com/tazhate/classbell/internal/scheduler"
	"github.com/tazhate/classbell/internal/service"
	"github.com/tazhate/classbell/internal/storage"
)

func main() {
	configPath := flag.String("config", envOr("CLASSBELL_CONFIG", "config.yaml"), "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logx.New(logx.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, os.Stdout)

	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Error("init storage failed", logx.Err(err))
		os.Exit(1)
	}
	defer store.Close()

	// Channels
	registry := notify.NewRegistry(log, cfg.Dispatch.RatePerSec)
	registry.Register(smtp.NewClient(smtp.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}))
	if !cfg.SMTP.Configured() {
		log.Warn("smtp not configured, email reminders will fail")
	}
	var tgAPI *tgbotapi.BotAPI
	if cfg.Telegram.Token != "" {
		tgAPI, err = telegram.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			log.Error("telegram init failed, push disabled", logx.Err(err))
		} else {
			registry.Register(telegram.New(tgAPI))
		}
	}

	// Services
	planner := service.NewPlanner(store, store, registry.Supported, cfg.Planner.Dedupe, log)
	classes := service.NewClassService(store, planner, log)
	users := service.NewUserService(store)

	var source service.EventSource
	var calendars api.CalendarLister
	if cfg.CalDAV.Enabled() {
		cd := caldav.NewClient(cfg.CalDAV.URL, cfg.CalDAV.Username, cfg.CalDAV.Password, cfg.CalDAV.CalendarPath)
		source, calendars = cd, cd
	}
	timetables := service.NewTimetableService(classes, source, cfg.Location(), cfg.CalDAV.HorizonDays, log)

	// Dispatch
	dispatcher := scheduler.NewDispatcher(store, registry, scheduler.DispatcherOptions{
		BatchSize:   cfg.Dispatch.BatchSize,
		Workers:     cfg.Dispatch.Workers,
		SendTimeout: cfg.Dispatch.SendTimeout,
		Location:    cfg.Location(),
	}, log)

	schedOpts := scheduler.Options{
		Schedule:     cfg.Dispatch.Schedule,
		RunOnStartup: cfg.Dispatch.RunOnStartup,
		Location:     cfg.Location(),
	}
	if source != nil {
		schedOpts.SyncSchedule = cfg.CalDAV.SyncSchedule
	}
	sched := scheduler.New(dispatcher, schedOpts, log)
	if source != nil {
		sched.SetSync(func(ctx context.Context) error {
			_, err := timetables.Sync(ctx)
			return err
		})
	}

	srv := api.New(cfg.Server, api.Deps{
		Store:      store,
		Classes:    classes,
		Users:      users,
		Timetables: timetables,
		Registry:   registry,
		Scheduler:  sched,
		Calendars:  calendars,
		Location:   cfg.Location(),
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := sched.Start(ctx); err != nil {
			log.Error("scheduler error", logx.Err(err))
		}
	}()

	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Error("http server error", logx.Err(err))
		}
	}()

	if tgAPI != nil && cfg.Telegram.Commands {
		tgBot := bot.New(tgAPI, users, classes, cfg.Location(), log)
		go func() {
			if err := tgBot.Start(ctx); err != nil {
				log.Error("telegram bot error", logx.Err(err))
			}
		}()
	}

	log.Info("classbell started",
		logx.String("db", cfg.DatabasePath),
		logx.String("tz", cfg.Timezone),
		logx.Any("channels", registry.Channels()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()
	sched.Stop()
	log.Info("classbell stopped")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
