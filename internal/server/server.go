package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/emrgen/board/internal/cache"
	"github.com/emrgen/board/internal/compress"
	"github.com/emrgen/board/internal/config"
	"github.com/emrgen/board/internal/job"
	"github.com/emrgen/board/internal/jobs"
	"github.com/emrgen/board/internal/queue"
	"github.com/emrgen/board/internal/service"
	"github.com/emrgen/board/internal/store"
)

// Server represents the board server
type Server struct {
	httpPort string
}

// NewServer creates a new server
func NewServer(httpPort string) *Server {
	return &Server{
		httpPort: httpPort,
	}
}

// Start starts the server
func (s *Server) Start() {
	if err := Start(s.httpPort); err != nil {
		logrus.Fatalf("error starting server: %v", err)
	}
}

// Start starts the http server
func Start(httpPort string) error {
	httpPort = ":" + httpPort

	cnf := config.LoadConfig()
	rdb := config.GetDb(cnf)

	rl, err := net.Listen("tcp", httpPort)
	if err != nil {
		return err
	}

	boardStore := store.NewGormStore(rdb)
	if err := boardStore.Migrate(); err != nil {
		return err
	}

	var redis *cache.Redis
	if cnf.RedisAddr != "" {
		redis = cache.NewRedis(cnf.RedisAddr)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := redis.Ping(ctx); err != nil {
			logrus.Warnf("redis unavailable, serving without state cache: %v", err)
			redis = nil
		}
		cancel()
	}

	var boardQueue queue.BoardQueue = queue.NewNopQueue()
	if cnf.KafkaBrokers != "" {
		kq, err := queue.NewKafkaQueue(cnf.KafkaBrokers)
		if err != nil {
			logrus.Warnf("kafka unavailable, save events will not be published: %v", err)
		} else {
			boardQueue = kq
		}
	}
	defer boardQueue.Close()

	boardService := service.NewBoardService(boardStore, redis, boardQueue, compress.NewGZip())
	hub := NewHub(boardService)
	defer hub.Close()
	issuer := NewTokenIssuer(cnf.AuthSecret)

	r := NewRouter(boardService, hub, issuer)
	r.Use(requestLogger)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // All origins are allowed
		AllowedMethods:   []string{"GET", "POST", "DELETE", "PUT"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Client-Id"},
		AllowCredentials: true,
	})

	restServer := &http.Server{
		Addr:    httpPort,
		Handler: c.Handler(r),
	}

	// fold update logs into snapshots in the background
	runner := jobs.NewTaskExecutor(nil, []jobs.CronJob{
		job.NewCompactor(boardService, boardStore),
	})
	runner.Run()
	defer runner.Stop()

	// make sure to wait for the server to stop before exiting
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logrus.Info("starting board server on: ", httpPort)
		if err := restServer.Serve(rl); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				logrus.Errorf("error starting board server: %v", err)
			}
		}
		logrus.Infof("board server stopped")
	}()

	time.Sleep(1 * time.Second)
	logrus.Infof("Press Ctrl+C to stop the server")

	// listen for interrupt signal to gracefully shut down the server
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT, unix.SIGTSTP)
	<-sigs
	// clean Ctrl+C output
	fmt.Println()

	if err := restServer.Shutdown(context.Background()); err != nil {
		logrus.Errorf("error stopping board server: %v", err)
	}

	wg.Wait()

	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Info("handled request")
	})
}
