package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"gymgate/internal/audit"
	"gymgate/internal/config"
	"gymgate/internal/device"
	"gymgate/internal/member"
	"gymgate/internal/notify"
	"gymgate/internal/queue"
	"gymgate/internal/store"
)

// Worker consumes side-effect messages: welcome emails after enrollment and
// member-roster sync commands after deactivations or removals.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "gymgate:sideeffects")
	}

	members := member.NewRepository(db.Client)
	auditLog := audit.NewRepository(db.Client)
	dispatcher := device.NewDispatcher(auditLog, auditLog, cfg.DeviceCmdTimeout, cfg.HeartbeatWindow)

	var mailer *notify.Notifier
	if cfg.ResendAPIKey != "" {
		mailer = notify.New(cfg.ResendAPIKey, cfg.EmailFrom, cfg.EmailName)
		log.Println("email notifications enabled")
	} else {
		log.Println("RESEND_API_KEY not set, welcome emails disabled")
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		switch msg.Type {
		case queue.TypeWelcome:
			handleWelcome(ctx, msg, members, mailer)
		case queue.TypeCacheInvalidate:
			handleCacheInvalidate(ctx, msg, dispatcher)
		default:
			log.Printf("unknown message type %q skipped", msg.Type)
		}
	}

	log.Println("worker stopped")
}

func handleWelcome(ctx context.Context, msg queue.Message, members *member.Repository, mailer *notify.Notifier) {
	var payload queue.WelcomePayload
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		log.Printf("bad welcome payload: %v", err)
		return
	}
	m, err := members.Get(ctx, payload.MemberID)
	if err != nil {
		log.Printf("member %d lookup failed: %v", payload.MemberID, err)
		return
	}
	if m == nil || m.Email == nil || *m.Email == "" {
		log.Printf("member %d has no email, welcome skipped", payload.MemberID)
		return
	}
	if err := mailer.SendEnrollmentWelcome(m.Name, *m.Email); err != nil {
		log.Printf("welcome email to member %d failed: %v", payload.MemberID, err)
		return
	}
	log.Printf("welcome email sent to member %d", payload.MemberID)
}

func handleCacheInvalidate(ctx context.Context, msg queue.Message, dispatcher *device.Dispatcher) {
	var payload queue.CacheInvalidatePayload
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		log.Printf("bad cache invalidate payload: %v", err)
		return
	}
	sent := dispatcher.SyncMembersAll(ctx, payload.Reason)
	log.Printf("sync_members (%s) sent to %d device(s)", payload.Reason, sent)
}
