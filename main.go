package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/hadeelrashaideh/medsec-project/cache"
	"github.com/hadeelrashaideh/medsec-project/config"
	"github.com/hadeelrashaideh/medsec-project/crypto"
	"github.com/hadeelrashaideh/medsec-project/fingerprint"
	"github.com/hadeelrashaideh/medsec-project/handler"
	"github.com/hadeelrashaideh/medsec-project/middleware"
	"github.com/hadeelrashaideh/medsec-project/service"
	"github.com/hadeelrashaideh/medsec-project/store"
	"github.com/hadeelrashaideh/medsec-project/utils"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := pflag.String("config", "config.yaml", "配置文件路径")
	recalculate := pflag.Bool("recalculate", false, "重算已存记录的熵值后退出")
	imageID := pflag.String("image-id", "", "与 --recalculate 一起使用，只处理指定图片")
	pflag.Parse()

	_ = godotenv.Load()

	// 加载配置
	cfg, err := config.New(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	if err := utils.InitLogger(cfg.Server.Mode, cfg.Log.Level); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer utils.Sync()

	utils.Logger.Info("starting medsec server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit))

	keys, destroyKeys := mustKeys(cfg)
	defer destroyKeys()
	cryptoService := crypto.NewService(keys, utils.Named(nil, "crypto"))

	// 持久化
	st, err := store.Open(store.Config{
		Dir:      cfg.Store.Dir,
		InMemory: cfg.Store.InMemory,
		Logger:   utils.Named(nil, "store"),
	})
	if err != nil {
		utils.Logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	// 初始化Redis
	ctx := context.Background()
	rdb := connectRedis(ctx, cfg)
	if rdb != nil {
		defer rdb.Close()
	}

	var shared *cache.Redis
	var results *cache.ResultCache
	if rdb != nil {
		shared = cache.NewRedis(rdb, cfg.Cache.KeyPrefix, cfg.Cache.SharedTTL)
		if cfg.Restore.CacheResult {
			results = cache.NewResultCache(rdb, cfg.Restore.ResultTTL, cfg.Restore.TimeBucket)
		}
	}
	regionCache := cache.NewTwoTier(cache.NewFIFO(cfg.Cache.LocalCapacity), shared, utils.Named(nil, "cache"))

	decryptor := service.NewRegionDecryptor(cryptoService, regionCache, st, utils.Named(nil, "decryptor"))
	recalculator := service.NewEntropyRecalculator(st, decryptor, utils.Named(nil, "recalculate"))

	if *recalculate {
		runRecalculation(ctx, recalculator, *imageID)
		return
	}

	factory, err := service.NewDetectorFactory(&cfg.Detector, utils.Named(nil, "detector"))
	if err != nil {
		utils.Logger.Fatal("invalid detector config", zap.Error(err))
	}
	detector := service.NewLazyDetector(factory, utils.Named(nil, "detector"))
	defer detector.Close()
	go func() {
		if err := detector.Warmup(); err != nil {
			utils.Logger.Warn("detector warmup failed, will retry on first request", zap.Error(err))
		}
	}()

	pipeline := service.NewPipeline(cfg, detector, cryptoService, st, utils.Named(nil, "pipeline"))
	scorer := fingerprint.NewScorer(utils.Named(nil, "fingerprint"))
	reconstructor := service.NewReconstructor(decryptor, scorer, results, utils.Named(nil, "restore"))

	handlers := &handler.Handlers{
		Upload:    handler.NewUploadHandler(&cfg.Upload, pipeline),
		Image:     handler.NewImageHandler(st, reconstructor, decryptor),
		Region:    handler.NewRegionHandler(st, decryptor),
		Admin:     handler.NewAdminHandler(st, cryptoService, recalculator),
		AdminAuth: middleware.AdminToken(cfg.Server.AdminToken),
	}
	if cfg.Server.AdminToken == "" {
		utils.Logger.Warn("server.admin_token not set, admin endpoints are disabled")
	}

	// 设置Gin模式
	gin.SetMode(cfg.Server.Mode)

	// 创建路由
	r := gin.New()
	r.MaxMultipartMemory = cfg.Upload.MaxSize
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS())

	// 健康检查和版本信息
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": Version,
			"redis":   rdb != nil,
		})
	})

	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    Version,
			"build_time": BuildTime,
			"git_commit": GitCommit,
		})
	})

	handlers.Register(r)

	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		utils.Logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	utils.Logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		utils.Logger.Error("server shutdown failed", zap.Error(err))
	}
}

// mustKeys 优先使用密钥文件；生产模式缺少密钥直接退出，调试模式生成进程级随机密钥
func mustKeys(cfg *config.Config) (crypto.KeyProvider, func()) {
	if path := cfg.Crypto.KeyFile; path != "" {
		keys := crypto.NewCachedKey(crypto.FileKeySource(path), cfg.Crypto.KeyReload)
		if _, err := keys.Key(context.Background()); err != nil {
			utils.Logger.Fatal("failed to load encryption key file", zap.String("path", path), zap.Error(err))
		}
		return keys, keys.Invalidate
	}

	keyHex := cfg.Crypto.KeyHex
	if keyHex == "" {
		if cfg.IsRelease() {
			utils.Logger.Fatal("crypto.key_hex or crypto.key_file is required in release mode")
		}
		generated, err := crypto.GenerateKeyHex()
		if err != nil {
			utils.Logger.Fatal("failed to generate key", zap.Error(err))
		}
		utils.Logger.Warn("no encryption key configured, using a random process key; stored regions will not survive a restart")
		keyHex = generated
	}

	key, err := crypto.NewStaticKey(keyHex)
	if err != nil {
		utils.Logger.Fatal("invalid encryption key", zap.Error(err))
	}
	return key, key.Destroy
}

// connectRedis Redis 不可用时退化为仅本地缓存
func connectRedis(ctx context.Context, cfg *config.Config) *redis.Client {
	if !cfg.Redis.Enabled {
		utils.Logger.Info("redis disabled, using local cache only")
		return nil
	}

	client := cache.NewRedisClient(&cfg.Redis)
	if err := client.Ping(ctx).Err(); err != nil {
		utils.Logger.Warn("redis connection failed, shared cache disabled", zap.Error(err))
		_ = client.Close()
		return nil
	}
	utils.Logger.Info("redis connected successfully", zap.String("addr", cfg.Redis.Addr))
	return client
}

func runRecalculation(ctx context.Context, recalculator *service.EntropyRecalculator, imageID string) {
	summary, err := recalculator.Recalculate(ctx, imageID)
	if err != nil {
		utils.Logger.Fatal("entropy recalculation failed", zap.Error(err))
	}
	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))
}
