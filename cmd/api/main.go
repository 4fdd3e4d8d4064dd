package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"gymgate/internal/attendance"
	"gymgate/internal/audit"
	"gymgate/internal/auth"
	"gymgate/internal/billing"
	"gymgate/internal/config"
	"gymgate/internal/device"
	"gymgate/internal/enrollment"
	"gymgate/internal/event"
	"gymgate/internal/httpmiddleware"
	"gymgate/internal/listener"
	"gymgate/internal/member"
	"gymgate/internal/queue"
	"gymgate/internal/settings"
	"gymgate/internal/store"
	"gymgate/internal/ws"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

// tcpRelay lets components broadcast through the listener while the listener
// itself is handed the decision engine. Wired once during startup.
type tcpRelay struct {
	l *listener.Listener
}

func (r *tcpRelay) Broadcast(message string) {
	if r.l != nil {
		r.l.Broadcast(message)
	}
}

func run(cfg config.App) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "gymgate:sideeffects")
	}

	members := member.NewRepository(db.Client)
	records := attendance.NewRepository(db.Client)
	auditLog := audit.NewRepository(db.Client)

	settingsCache := settings.NewCache(db.Client, 5*time.Minute)
	settingsCache.Start(ctx)
	defer settingsCache.Stop()

	hub := ws.NewHub()
	go hub.Run()

	dispatcher := device.NewDispatcher(auditLog, auditLog, cfg.DeviceCmdTimeout, cfg.HeartbeatWindow)

	relay := &tcpRelay{}
	enroll := enrollment.NewManager(members, auditLog, dispatcher, relay, hub, q, cfg.EnrollTimeout)
	engine := attendance.NewEngine(members, records, auditLog, settingsCache, relay, hub, enroll, q)

	tcpListener := listener.New(cfg.TCPListenAddr, engine)
	relay.l = tcpListener
	go func() {
		if err := tcpListener.Start(ctx); err != nil {
			log.Fatalf("tcp listener failed: %v", err)
		}
	}()
	defer tcpListener.Stop()

	sweeper := billing.NewSweeper(members, auditLog, settingsCache, q)
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.SweepSchedule, func() {
		if _, err := sweeper.Run(context.Background()); err != nil {
			log.Printf("scheduled sweep failed: %v", err)
		}
	}); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	// Separate budgets: a reader fleet posting scans must not starve the
	// admin API, and vice versa.
	deviceLimit := httpmiddleware.NewIPRateLimiter(cfg.RateLimitPerMin*4, cfg.RateLimitPerMin*4).GinMiddleware()
	apiLimit := httpmiddleware.NewIPRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware()

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.GET("/api/biometric/ws", func(c *gin.Context) {
		hub.Serve(c.Writer, c.Request)
	})

	r.POST("/api/auth/login", apiLimit, func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if cfg.AdminPassword == "" || req.Username != cfg.AdminUser || req.Password != cfg.AdminPassword {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		token, exp, err := auth.Issue(req.Username, "admin", cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"access_token": token, "expires_at": exp.Unix()})
	})

	// Device-facing webhook. ESP32 units POST heartbeats, scans, and
	// enrollment updates here; legacy readers use the TCP listener instead.
	r.POST("/api/biometric/esp32-webhook", deviceLimit, func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil || len(body) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty body"})
			return
		}
		ev := event.Normalize(string(body), time.Now())

		switch ev.Kind {
		case event.KindHeartbeat:
			// ack fast so the device never blocks on storage
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			go func(hb event.Canonical) {
				hbCtx, hbCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer hbCancel()
				engine.HandleEvent(hbCtx, hb)
			}(ev)
		case event.KindAccessGranted:
			dec := engine.Decide(c.Request.Context(), ev)
			c.JSON(http.StatusOK, gin.H{"status": "ok", "decision": dec})
		default:
			engine.HandleEvent(c.Request.Context(), ev)
			c.JSON(http.StatusOK, gin.H{"status": "ok", "kind": ev.Kind})
		}
	})

	admin := r.Group("/api/admin", apiLimit, auth.AdminAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	admin.POST("/enrollment/start", func(c *gin.Context) {
		var req struct {
			MemberID int64  `json:"member_id" binding:"required"`
			DeviceID string `json:"device_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var sess enrollment.Session
		var err error
		if req.DeviceID != "" {
			sess, err = enroll.StartRemote(c.Request.Context(), req.DeviceID, req.MemberID)
		} else {
			sess, err = enroll.Start(c.Request.Context(), req.MemberID)
		}
		if err != nil {
			c.JSON(enrollmentStatusCode(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, sess)
	})

	admin.POST("/enrollment/stop", func(c *gin.Context) {
		res, err := enroll.Stop(c.Request.Context())
		if err != nil {
			c.JSON(enrollmentStatusCode(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	admin.POST("/enrollment/cancel", func(c *gin.Context) {
		res, err := enroll.Cancel(c.Request.Context(), "admin_cancelled")
		if err != nil {
			c.JSON(enrollmentStatusCode(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	admin.GET("/enrollment/status", func(c *gin.Context) {
		sess, active := enroll.Status()
		if !active {
			c.JSON(http.StatusOK, gin.H{"active": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"active": true, "session": sess})
	})

	admin.POST("/members/:id/manual-enrollment", func(c *gin.Context) {
		memberID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid member id"})
			return
		}
		var req struct {
			BiometricID string `json:"biometric_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		m, err := members.Get(c.Request.Context(), memberID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if m == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "member not found"})
			return
		}
		if err := members.SetBiometricID(c.Request.Context(), memberID, req.BiometricID); err != nil {
			status := http.StatusInternalServerError
			if err == member.ErrBiometricIDTaken {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		auditAdminAction(c, auditLog, memberID, req.BiometricID, audit.TypeManualEnrollment)
		c.JSON(http.StatusOK, gin.H{"member_id": memberID, "biometric_id": req.BiometricID})
	})

	admin.DELETE("/members/:id/biometric", func(c *gin.Context) {
		memberID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid member id"})
			return
		}
		m, err := members.Get(c.Request.Context(), memberID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if m == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "member not found"})
			return
		}
		if m.BiometricID == nil || *m.BiometricID == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "member has no biometric data"})
			return
		}
		removed := *m.BiometricID
		if err := members.ClearBiometricID(c.Request.Context(), memberID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		auditAdminAction(c, auditLog, memberID, removed, audit.TypeRemoval)
		// devices keep their own template store; tell them to resync
		if err := q.Publish(c.Request.Context(), queue.Message{
			Type: queue.TypeCacheInvalidate,
			Body: mustJSON(queue.CacheInvalidatePayload{Reason: "biometric_removed", MemberID: memberID}),
		}); err != nil {
			log.Printf("cache invalidate enqueue failed: %v", err)
		}
		c.JSON(http.StatusOK, gin.H{"member_id": memberID, "removed_biometric_id": removed})
	})

	admin.GET("/members/enrolled", listMembersHandler(members, true))
	admin.GET("/members/unenrolled", listMembersHandler(members, false))

	admin.GET("/members/:id/attendance", func(c *gin.Context) {
		memberID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid member id"})
			return
		}
		limit := 30
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		recs, err := records.ListForMember(c.Request.Context(), memberID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"attendance": recs})
	})

	admin.GET("/events", func(c *gin.Context) {
		f := audit.Filter{
			DeviceID:  c.Query("device_id"),
			EventType: c.Query("event_type"),
			Limit:     50,
		}
		if v := c.Query("member_id"); v != "" {
			if id, err := strconv.ParseInt(v, 10, 64); err == nil {
				f.MemberID = &id
			}
		}
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				f.Limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				f.Offset = parsed
			}
		}
		events, total, err := auditLog.List(c.Request.Context(), f)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events, "total": total})
	})

	admin.GET("/devices", func(c *gin.Context) {
		hbs, err := auditLog.RecentHeartbeats(c.Request.Context(), cfg.HeartbeatWindow)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"devices": hbs})
	})

	admin.GET("/devices/:id/status", func(c *gin.Context) {
		status, err := dispatcher.GetStatus(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	admin.POST("/devices/:id/unlock", func(c *gin.Context) {
		var req struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&req)
		if req.Reason == "" {
			req.Reason = "admin_unlock"
		}
		if err := dispatcher.Unlock(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
			status := http.StatusBadGateway
			if err == device.ErrNoRecentHeartbeat {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "sent"})
	})

	admin.POST("/sweep/run", func(c *gin.Context) {
		sum, err := sweeper.Run(c.Request.Context())
		if err != nil {
			status := http.StatusInternalServerError
			if err == billing.ErrSweepRunning {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sum)
	})

	admin.GET("/sweep/status", func(c *gin.Context) {
		running, last := sweeper.Status()
		c.JSON(http.StatusOK, gin.H{"running": running, "last_run": last})
	})

	admin.GET("/sweep/overdue", func(c *gin.Context) {
		overdue, err := sweeper.ListOverdueWithinGrace(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"overdue": overdue})
	})

	admin.GET("/settings", func(c *gin.Context) {
		c.JSON(http.StatusOK, settingsCache.Get())
	})

	admin.PUT("/settings/:key", func(c *gin.Context) {
		var req struct {
			Value string `json:"value" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := settingsCache.Set(c.Request.Context(), c.Param("key"), req.Value); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, settingsCache.Get())
	})

	admin.GET("/system/status", func(c *gin.Context) {
		reqCtx := c.Request.Context()
		online, err := auditLog.OnlineDeviceCount(reqCtx, cfg.HeartbeatWindow)
		if err != nil {
			log.Printf("device count failed: %v", err)
		}
		lastActivity, err := auditLog.LastActivity(reqCtx)
		if err != nil {
			log.Printf("last activity failed: %v", err)
		}
		todayCount, err := records.CountForDay(reqCtx, attendance.DateOf(time.Now()))
		if err != nil {
			log.Printf("attendance count failed: %v", err)
		}
		_, enrollActive := enroll.Status()
		c.JSON(http.StatusOK, gin.H{
			"devices_online":    online,
			"tcp_connections":   tcpListener.ConnCount(),
			"last_activity":     lastActivity,
			"attendance_today":  todayCount,
			"enrollment_active": enrollActive,
			"redis":             redisClient.Healthy(reqCtx),
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting http server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}

	log.Println("server exited")
	return nil
}

func listMembersHandler(members *member.Repository, enrolled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := members.ListByEnrollment(c.Request.Context(), enrolled)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"members": out})
	}
}

func auditAdminAction(c *gin.Context, auditLog *audit.Repository, memberID int64, biometricID, eventType string) {
	if _, err := auditLog.Insert(c.Request.Context(), audit.Event{
		MemberID:    &memberID,
		BiometricID: &biometricID,
		EventType:   eventType,
		DeviceID:    "admin",
		Success:     true,
	}); err != nil {
		log.Printf("audit insert (%s) failed: %v", eventType, err)
	}
}

func enrollmentStatusCode(err error) int {
	switch err {
	case enrollment.ErrAlreadyActive:
		return http.StatusConflict
	case enrollment.ErrNotActive:
		return http.StatusNotFound
	case enrollment.ErrMemberNotFound:
		return http.StatusNotFound
	case enrollment.ErrAlreadyEnrolled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
