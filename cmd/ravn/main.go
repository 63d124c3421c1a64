package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"ravn/internal/auth"
	"ravn/internal/config"
	"ravn/internal/credentials"
	"ravn/internal/database"
	"ravn/internal/handlers"
	"ravn/internal/middleware"
	"ravn/internal/oauth2"
	"ravn/internal/providers"
	"ravn/internal/repository"
	"ravn/internal/search"
	"ravn/internal/services"
	"ravn/internal/sse"
	"ravn/internal/storage"
)

const accessTokenTTL = 24 * time.Hour

func main() {
	if err := godotenv.Load(".env.local"); err != nil {
		if err := godotenv.Load(".env"); err != nil {
			log.Println("No .env file found, using system environment variables")
		}
	}

	cfg := config.Load()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("Failed to create data directories: %v", err)
	}

	db, err := database.Initialize(cfg.Data.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	key, err := credentials.LoadOrCreateKey(cfg.Data.KeyFilePath)
	if err != nil {
		log.Fatalf("Failed to load encryption key: %v", err)
	}
	creds, err := credentials.NewStore(db, key)
	if err != nil {
		log.Fatalf("Failed to initialize credential store: %v", err)
	}
	log.Printf("Credential backend: %s", creds.BackendName())

	index, err := search.Open(cfg.Data.SearchIndexDir)
	if err != nil {
		log.Fatalf("Failed to open search index: %v", err)
	}
	defer index.Close()

	// 仓储
	accountRepo := repository.NewAccountRepository(db)
	folderRepo := repository.NewFolderRepository(db)
	emailRepo := repository.NewEmailRepository(db)
	attachmentRepo := repository.NewAttachmentRepository(db)
	contactRepo := repository.NewContactRepository(db)
	labelRepo := repository.NewLabelRepository(db)
	conversationRepo := repository.NewConversationRepository(db)
	syncStateRepo := repository.NewSyncStateRepository(db)

	// 事件与存储
	publisher := sse.NewPublisher()
	defer publisher.Close()
	attachmentBlobs := storage.NewLocalBlobStore(cfg.Data.AttachmentsDir)
	avatarBlobs := storage.NewLocalBlobStore(cfg.Data.AvatarsDir)

	// 服务
	factory := providers.NewProviderFactory(cfg, creds)
	attachmentSvc := services.NewAttachmentService(attachmentRepo, attachmentBlobs)
	folderSync := services.NewFolderSyncService(folderRepo, publisher)
	emailSync := services.NewEmailSyncService(cfg, emailRepo, folderRepo, syncStateRepo,
		conversationRepo, labelRepo, contactRepo, attachmentSvc, index, publisher)
	coordinator := services.NewSyncCoordinator(factory, creds, accountRepo, folderRepo,
		emailSync, folderSync, publisher)
	defer coordinator.Close()

	queue := services.NewSyncQueue()
	manager := services.NewSyncManager(cfg, accountRepo, folderRepo, queue, coordinator)
	bodyFetcher := services.NewBodyFetcher(cfg, emailRepo, folderRepo, accountRepo,
		labelRepo, coordinator, attachmentSvc, index, publisher)
	avatarSvc := services.NewAvatarService(contactRepo, avatarBlobs)
	// 模型问答实现由嵌入方注入，桥接进程单独跑时分析保持关闭
	aiSvc := services.NewAIService(cfg, emailRepo, accountRepo, conversationRepo, nil, publisher)
	cleanupSvc := services.NewCleanupService(cfg, emailRepo, attachmentRepo, attachmentBlobs, index)
	emailSvc := services.NewEmailService(emailRepo, folderRepo, accountRepo, attachmentRepo,
		labelRepo, coordinator, creds, index, publisher)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager.Start(rootCtx)
	bodyFetcher.Start(rootCtx)
	avatarSvc.Start(rootCtx)
	cleanupSvc.Start(rootCtx)
	aiSvc.Start(rootCtx)

	// 前端访问令牌
	tokens := auth.NewTokenManager(key, accessTokenTTL)
	token, err := tokens.Issue()
	if err != nil {
		log.Fatalf("Failed to issue access token: %v", err)
	}
	log.Printf("Access token: %s", token)

	// HTTP桥接
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(middleware.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSOrigins))

	h := handlers.New(handlers.Deps{
		Cfg:           cfg,
		Accounts:      accountRepo,
		Folders:       folderRepo,
		Emails:        emailRepo,
		AttachmentsDB: attachmentRepo,
		Labels:        labelRepo,
		Contacts:      contactRepo,
		Creds:         creds,
		EmailSvc:      emailSvc,
		Attachments:   attachmentSvc,
		Avatars:       avatarSvc,
		Coordinator:   coordinator,
		Manager:       manager,
		Index:         index,
		OAuthFlow:     oauth2.NewFlow(cfg),
		Tokens:        tokens,
		Bridge:        sse.NewBridge(publisher),
	})
	h.RegisterRoutes(router)

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	server := &http.Server{Addr: addr, Handler: router}

	go func() {
		log.Printf("ravn bridge listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-rootCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	aiSvc.Stop()
	cleanupSvc.Stop()
	avatarSvc.Stop()
	bodyFetcher.Stop()
	manager.Stop()
	log.Println("Shutdown complete")
}
