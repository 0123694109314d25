package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/enterprise-platform/identity-security/cmd/identity-service/handlers"
	"github.com/enterprise-platform/identity-security/internal/audit"
	"github.com/enterprise-platform/identity-security/internal/authz"
	"github.com/enterprise-platform/identity-security/internal/backupcode"
	"github.com/enterprise-platform/identity-security/internal/delivery"
	"github.com/enterprise-platform/identity-security/internal/mfa"
	"github.com/enterprise-platform/identity-security/internal/otp"
	webauthnsvc "github.com/enterprise-platform/identity-security/internal/webauthn"
	"github.com/enterprise-platform/identity-security/shared/auth"
	"github.com/enterprise-platform/identity-security/shared/config"
	"github.com/enterprise-platform/identity-security/shared/database"
	"github.com/enterprise-platform/identity-security/shared/logger"
	"github.com/enterprise-platform/identity-security/shared/middleware"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 初始化日志
	appLogger, err := logger.NewLogger(logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	})
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}

	// 连接数据库
	db, err := database.Connect(cfg.Database)
	if err != nil {
		appLogger.Fatalf("连接数据库失败: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		appLogger.Fatalf("数据库迁移失败: %v", err)
	}

	// WebAuthn仪式会话存储
	var sessionStore webauthnsvc.SessionStore
	var redisClient *redis.Client
	if cfg.MFA.WebAuthn.SessionStore == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			appLogger.Fatalf("连接Redis失败: %v", err)
		}
		sessionStore = webauthnsvc.NewRedisSessionStore(redisClient)
	} else {
		sessionStore = webauthnsvc.NewMemorySessionStore()
	}

	// 审计事件发布器
	var auditPublisher audit.Publisher
	if cfg.Kafka.Enabled {
		auditPublisher = audit.NewKafkaPublisher(cfg.Kafka, appLogger)
	} else {
		auditPublisher = audit.NewNopPublisher()
	}
	defer auditPublisher.Close()

	// 验证码投递通道
	var smsTransport delivery.SMSTransport
	if cfg.MFA.SMS.Provider == "http" {
		smsTransport = delivery.NewHTTPSMSTransport(cfg.MFA.SMS)
	} else {
		smsTransport = delivery.NewMockSMSTransport()
		appLogger.Warn("短信通道使用mock实现，仅限开发环境")
	}
	var emailTransport delivery.EmailTransport
	if cfg.MFA.Email.Provider == "smtp" {
		emailTransport = delivery.NewSMTPEmailTransport(cfg.MFA.Email)
	} else {
		emailTransport = delivery.NewMockEmailTransport()
		appLogger.Warn("邮件通道使用mock实现，仅限开发环境")
	}

	// 初始化MFA服务
	totpManager := otp.NewTOTPManager(cfg.MFA.TOTP)
	smsService := delivery.NewSMSService(cfg.MFA.SMS, smsTransport, appLogger)
	emailService := delivery.NewEmailService(cfg.MFA.Email, emailTransport, appLogger)
	backupService := backupcode.NewService(db, appLogger)
	webauthnService, err := webauthnsvc.NewService(cfg.MFA.WebAuthn, sessionStore, db, appLogger)
	if err != nil {
		appLogger.Fatalf("初始化WebAuthn服务失败: %v", err)
	}
	tokenManager := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.MFATokenExpiration)
	mfaRepo := mfa.NewRepository(db)
	orchestrator := mfa.NewOrchestrator(
		cfg.MFA,
		mfaRepo,
		totpManager,
		smsService,
		emailService,
		backupService,
		webauthnService,
		tokenManager,
		auditPublisher,
		appLogger,
	)

	// 初始化授权引擎
	authzRepo := authz.NewRepository(db)
	riskScorer := authz.NewRiskScorer(cfg.Authz)
	engine := authz.NewEngine(authzRepo, riskScorer, auditPublisher, appLogger)
	serviceAccounts := authz.NewServiceAccountManager(authzRepo, engine, auditPublisher, appLogger)

	// 初始化处理器
	mfaHandler := handlers.NewMFAHandler(orchestrator, webauthnService, appLogger)
	authzHandler := handlers.NewAuthzHandler(engine, appLogger)
	serviceAccountHandler := handlers.NewServiceAccountHandler(serviceAccounts, appLogger)

	// 过期挑战与受信任设备的后台清理
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if err := orchestrator.Sweep(sweepCtx); err != nil {
					appLogger.Warnf("后台清理失败: %v", err)
				}
			}
		}
	}()
	defer stopSweep()

	// 设置Gin路由
	gin.SetMode(cfg.Server.Mode)
	if err := handlers.RegisterValidations(); err != nil {
		appLogger.Fatalf("注册请求校验规则失败: %v", err)
	}
	r := gin.New()

	// 全局中间件
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(appLogger))
	r.Use(middleware.Recovery(appLogger))
	r.Use(middleware.SecurityHeaders())

	// 敏感端点限流
	rateLimiter := middleware.NewIPRateLimiter(10, 20)
	defer rateLimiter.Stop()

	// API路由
	v1 := r.Group("/api/v1")
	{
		// 健康检查
		v1.GET("/health", func(c *gin.Context) {
			status := "healthy"
			code := http.StatusOK
			if err := database.HealthCheck(db); err != nil {
				status = "unhealthy"
				code = http.StatusServiceUnavailable
			}
			c.JSON(code, gin.H{
				"service": "identity-service",
				"status":  status,
				"version": "1.0.0",
				"time":    time.Now().UTC(),
			})
		})

		// 服务间授权（API密钥认证，不经过网关身份头）
		v1.POST("/service/authorize", rateLimiter.Middleware(), serviceAccountHandler.Authorize)

		// 用户路由（网关注入身份头）
		protected := v1.Group("")
		protected.Use(middleware.IdentityContext())
		{
			// MFA多因子认证
			mfaGroup := protected.Group("/mfa")
			{
				mfaGroup.GET("/required", mfaHandler.RequiresMFA)
				mfaGroup.GET("/methods", mfaHandler.GetMethods)
				mfaGroup.GET("/status", mfaHandler.GetEnrollmentStatus)

				mfaGroup.POST("/devices/totp", mfaHandler.EnrollTOTP)
				mfaGroup.POST("/devices/sms", mfaHandler.EnrollSMS)
				mfaGroup.POST("/devices/email", mfaHandler.EnrollEmail)
				mfaGroup.POST("/devices/webauthn/begin", mfaHandler.BeginWebAuthnRegistration)
				mfaGroup.POST("/devices/webauthn/finish", mfaHandler.FinishWebAuthnRegistration)
				mfaGroup.GET("/devices", mfaHandler.GetDevices)
				mfaGroup.DELETE("/devices/:id", mfaHandler.RemoveDevice)

				mfaGroup.POST("/challenges", rateLimiter.Middleware(), mfaHandler.IssueChallenge)
				mfaGroup.POST("/challenges/verify", rateLimiter.Middleware(), mfaHandler.VerifyChallenge)

				mfaGroup.GET("/trusted-devices", mfaHandler.GetTrustedDevices)
				mfaGroup.DELETE("/trusted-devices/:id", mfaHandler.RevokeTrustedDevice)
				mfaGroup.DELETE("/trusted-devices", mfaHandler.RevokeAllTrustedDevices)

				mfaGroup.POST("/backup-codes/regenerate", rateLimiter.Middleware(), mfaHandler.RegenerateBackupCodes)
			}

			// 授权评估
			authzGroup := protected.Group("/authz")
			{
				authzGroup.POST("/authorize", authzHandler.Authorize)
				authzGroup.POST("/check", authzHandler.HasPermission)
				authzGroup.GET("/roles/:role", authzHandler.HasRole)
				authzGroup.GET("/permissions/effective", authzHandler.GetEffectivePermissions)
			}

			// 服务账号管理
			accounts := protected.Group("/service-accounts")
			{
				accounts.POST("", serviceAccountHandler.Create)
				accounts.POST("/:name/rotate", serviceAccountHandler.RotateAPIKey)
				accounts.POST("/:name/disable", serviceAccountHandler.Disable)
			}
		}
	}

	// 启动服务器
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		appLogger.Infof("身份安全服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("启动服务器失败: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Errorf("服务器关闭异常: %v", err)
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			appLogger.Warnf("关闭Redis连接失败: %v", err)
		}
	}

	appLogger.Info("服务器已退出")
}
