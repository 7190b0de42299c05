package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tably/database"
	"tably/handlers"
	"tably/media"
	"tably/models"
	"tably/notify"
	"tably/routes"
	"tably/store"
	"tably/websocket"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func main() {
	log.Println("🚀 Starting Tably Backend Server...")

	// .env is optional; deployed environments inject real variables.
	godotenv.Load()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	// ===== REQUIRED ENV VARIABLES =====
	if os.Getenv("JWT_SECRET") == "" || os.Getenv("MONGODB_URI") == "" {
		log.Fatal("❌ JWT_SECRET and MONGODB_URI must be set")
	}

	// ===== CONNECT TO MONGODB WITH RETRY =====
	log.Println("🔌 Connecting to MongoDB...")

	var dbErr error
	for i := 1; i <= 3; i++ {
		if err := database.Connect(); err != nil {
			dbErr = err
			log.Printf("❌ MongoDB connection attempt %d failed: %v", i, err)
			time.Sleep(2 * time.Second)
			continue
		}
		dbErr = nil
		break
	}
	if dbErr != nil {
		log.Fatal("❌ Failed to connect to MongoDB:", dbErr)
	}

	log.Println("✅ MongoDB connected successfully")

	// ===== STORE =====
	chatStore := store.NewMongo(database.DB, slog.Default())

	indexCtx, indexCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := chatStore.EnsureIndexes(indexCtx); err != nil {
		indexCancel()
		log.Fatal("❌ Failed to create indexes:", err)
	}
	indexCancel()

	log.Println("✅ Indexes ensured")

	// ===== MEDIA =====
	var uploads *media.Pipeline
	if url := os.Getenv("CLOUDINARY_URL"); url != "" {
		blobs, err := media.NewCloudinaryStore(url, os.Getenv("CLOUDINARY_FOLDER"))
		if err != nil {
			log.Fatal("❌ Cloudinary configuration error:", err)
		}
		uploads = media.NewPipeline(blobs)
		log.Println("✅ Media uploads enabled")
	} else {
		log.Println("⚠️  CLOUDINARY_URL not set - media uploads disabled")
	}

	// ===== PUSH =====
	pushSubs := notify.NewMongoSubscriptions(database.DB)
	subscriber := os.Getenv("VAPID_SUBSCRIBER")
	if subscriber == "" {
		subscriber = "mailto:admin@tably.app"
	}
	webPush := notify.NewWebPush(pushSubs, subscriber,
		os.Getenv("VAPID_PUBLIC_KEY"), os.Getenv("VAPID_PRIVATE_KEY"))
	producer := notify.NewProducer(chatStore, webPush)

	handlers.Setup(chatStore, producer, uploads, pushSubs)

	// ===== GIN MODE =====
	if os.Getenv("GIN_MODE") == "release" {
		gin.SetMode(gin.ReleaseMode)
		log.Println("⚙️ Running in RELEASE mode")
	} else {
		gin.SetMode(gin.DebugMode)
		log.Println("⚙️ Running in DEBUG mode")
	}

	// ===== ROUTER =====
	router := routes.SetupRouter()

	router.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "Tably Backend Running 🚀",
			"service": "healthy",
		})
	})

	router.GET("/health", func(c *gin.Context) {
		c.String(200, "OK")
	})

	// ===== WEBSOCKET =====
	log.Println("🔌 Initializing WebSocket manager...")
	wsManager := websocket.NewManager(chatStore, chatStore, resolveProfile)
	go wsManager.Start()

	router.GET("/ws", func(c *gin.Context) {
		websocket.WebSocketHandler(wsManager)(c.Writer, c.Request)
	})

	log.Println("✅ WebSocket endpoint: /ws")

	// ===== SERVER CONFIG =====
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server running on port %s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("❌ Server error:", err)
		}
	}()

	log.Println("✅ Server is ready and accepting connections")

	// ===== GRACEFUL SHUTDOWN =====
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Println("❌ Forced shutdown:", err)
	}

	if err := database.Disconnect(); err != nil {
		log.Println("❌ MongoDB disconnect error:", err)
	}

	log.Println("👋 Server stopped gracefully")
}

// resolveProfile loads the websocket client's identity from the users
// collection.
func resolveProfile(ctx context.Context, userID primitive.ObjectID) (models.Profile, error) {
	var user models.User
	if err := database.Users.FindOne(ctx, bson.M{"_id": userID}).Decode(&user); err != nil {
		return models.Profile{}, err
	}
	return models.Profile{
		ID:     user.ID,
		Name:   user.Name,
		Avatar: user.Avatar,
	}, nil
}
