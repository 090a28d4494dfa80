package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gymagent/config"
	"gymagent/internal/api"
	"gymagent/internal/calendar"
	"gymagent/internal/db"
	"gymagent/internal/ledger"
	"gymagent/internal/llm"
	"gymagent/internal/mail"
	"gymagent/internal/mq"
	"gymagent/internal/mqhandler"
	redisclient "gymagent/internal/redis"
	"gymagent/internal/service"
	authutil "gymagent/internal/util"
	"gymagent/pkg/circuitbreaker"
	"gymagent/pkg/logger"
	"gymagent/pkg/util"
)

func main() {
	hashPassword := flag.String("hash-password", "", "print the bcrypt hash for the given operator password and exit")
	flag.Parse()

	// 生成 auth.operator_password_hash 用的小工具入口
	if *hashPassword != "" {
		hash, err := authutil.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to hash password:", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	// 1. Load and validate config; the agent must not start polling in an
	// invalid configuration.
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger()
	defer log.Sync()

	if err := config.Validate(cfg); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("Starting gym mail agent...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Init Redis (delivery dedup pre-filter)
	rdb := redisclient.NewClient(cfg.Redis)
	defer rdb.Close()
	deduper := util.NewDeduper(rdb, time.Hour, log)

	// 3. Ledger: in-memory by default, Postgres when db.enabled
	var led ledger.Ledger
	if cfg.DB.Enabled {
		dbConn, err := db.NewConnection(cfg.DB, log)
		if err != nil {
			log.Fatal("DB initialization failed", zap.Error(err))
		}
		defer dbConn.Close()
		led = ledger.NewPostgresLedger(dbConn)
		log.Info("Using Postgres ledger")
	} else {
		led = ledger.NewMemoryLedger()
		log.Info("Using in-memory ledger")
	}

	// 4. Collaborators
	mailbox := mail.NewIMAPMailbox(
		cfg.Mail.Host, cfg.Mail.Port,
		cfg.Mail.Username, cfg.Mail.Password,
		cfg.Mail.TLS, cfg.Mail.LookbackDays,
	)

	llmClient := llm.NewHTTPClient(
		cfg.LLM.Provider, cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model,
		time.Duration(cfg.LLM.TimeoutSeconds)*time.Second,
	)
	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig())

	cal := calendar.NewGoogleCalendar(
		cfg.Calendar.BaseURL, cfg.Calendar.CalendarID, cfg.Calendar.Token,
		cfg.Calendar.Timezone,
		time.Duration(cfg.Calendar.TimeoutSeconds)*time.Second,
	)

	// 5. Core services
	classifier := service.NewClassifier(llmClient, breaker, log, cfg.LLM.Temperature, cfg.LLM.MaxTokens)
	materializer := service.NewMaterializer(cal, log, service.MaterializerConfig{
		GymName:              cfg.Gym.Name,
		AttendeeEmail:        cfg.Calendar.AttendeeEmail,
		EventDurationMinutes: cfg.Agent.EventDurationMinutes,
		DefaultEventHour:     cfg.Agent.DefaultEventHour,
		EnableCalendarCreate: cfg.Agent.EnableCalendarCreate,
	})
	dispatcher := service.NewDispatcher(classifier, materializer, mailbox, led, log, service.DispatcherConfig{
		ConfidenceThreshold: cfg.Agent.ConfidenceThreshold,
		EnableAutoRegister:  cfg.Agent.EnableAutoRegister,
	})

	// 6. MQ producer + dispatch workers
	producer, err := mq.NewProducer(cfg.MQ.URL)
	if err != nil {
		log.Fatal("failed to init producer", zap.Error(err))
	}
	defer producer.Close()

	handler := mqhandler.NewMailFetchedHandler(dispatcher, deduper, log)

	consumerCtx, cancelConsumers := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	consumers := make([]*mq.Consumer, 0, cfg.Agent.Workers)
	for i := 0; i < cfg.Agent.Workers; i++ {
		consumer, err := mq.NewConsumer(cfg.MQ.URL, mq.RoutingKeyMailFetched, log)
		if err != nil {
			log.Fatal("failed to init consumer", zap.Error(err))
		}
		consumer.SetHandler(handler.HandleMailFetched)
		consumers = append(consumers, consumer)

		wg.Add(1)
		go func(c *mq.Consumer) {
			defer wg.Done()
			if err := c.StartConsuming(consumerCtx); err != nil {
				log.Error("consumer stopped with error", zap.Error(err))
			}
		}(consumer)
	}

	// 7. Poller: startup sweep + scheduled ticks
	poller := service.NewPoller(mailbox, led, producer, dispatcher, log, service.PollerConfig{
		Query:                cfg.Mail.Query,
		MaxMessagesPerCheck:  cfg.Agent.MaxEmailsPerCheck,
		CheckIntervalMinutes: cfg.Agent.CheckIntervalMinutes,
	})
	if err := poller.Start(ctx); err != nil {
		log.Fatal("poller start failed", zap.Error(err))
	}

	// 8. Control API
	authHandler := api.NewAuthHandler(cfg.Auth.OperatorPasswordHash, cfg.JWT.Secret)
	agentHandler := api.NewAgentHandler(dispatcher, poller, led)
	router := api.NewRouter(authHandler, agentHandler, cfg.JWT.Secret)

	go func() {
		if err := router.Run(cfg.Server.Port); err != nil {
			log.Fatal("server start failed", zap.Error(err))
		}
	}()

	log.Info("Agent is running", zap.String("port", cfg.Server.Port))

	// 9. Shutdown: stop scheduling first, then drain in-flight deliveries.
	<-ctx.Done()
	log.Info("Shutdown signal received")

	poller.Stop()
	cancelConsumers()
	wg.Wait()
	for _, c := range consumers {
		c.Close()
	}

	log.Info("Agent stopped")
}
