// Package main runs flashengine-agent, a small local status server a
// GUI controller polls (or subscribes to via gRPC) to learn which
// vendor orchestrator is currently attached and how far its current
// operation has progressed. Generalizes cmd/driver/hasher-host's Gin
// REST API and cmd/driver/hasher-server's gRPC server into one
// process, keeping control-plane HTTP off the hot data path the way
// the teacher's split between hasher-host (API) and hasher-server
// (device gRPC) does, but merged here since this agent owns no device
// handle itself — it only republishes whatever the in-process
// orchestrator reports.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"flashengine/internal/config"
	"flashengine/internal/rpc"
)

var (
	httpAddr = flag.String("http-addr", "", "HTTP status API listen address (empty = config default)")
	rpcAddr  = flag.String("rpc-addr", "", "gRPC status service listen address (empty = config default)")
)

// statusStore holds the latest orchestrator status snapshot, updated
// by whichever vendor orchestrator is attached in this process (via
// Update) and read by both the HTTP and gRPC surfaces.
type statusStore struct {
	mu   sync.Mutex
	resp rpc.DeviceStatusResponse
	set  bool
}

func (s *statusStore) Update(resp rpc.DeviceStatusResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resp = resp
	s.set = true
}

func (s *statusStore) Provider(ctx context.Context) (rpc.DeviceStatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return rpc.DeviceStatusResponse{}, fmt.Errorf("no orchestrator has reported status yet")
	}
	return s.resp, nil
}

type statusUpdateRequest struct {
	Vendor          string  `json:"vendor" binding:"required"`
	State           string  `json:"state" binding:"required"`
	Protocol        string  `json:"protocol"`
	OperationName   string  `json:"operation_name"`
	ProgressPercent float64 `json:"progress_percent"`
	Message         string  `json:"message"`
}

func runHTTPServer(addr string, store *statusStore) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		api.GET("/status", func(c *gin.Context) {
			resp, err := store.Provider(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, resp)
		})
		api.POST("/status", func(c *gin.Context) {
			var req statusUpdateRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			store.Update(rpc.DeviceStatusResponse{
				Vendor:          req.Vendor,
				State:           req.State,
				Protocol:        req.Protocol,
				OperationName:   req.OperationName,
				ProgressPercent: req.ProgressPercent,
				Message:         req.Message,
			})
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	}

	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		log.Printf("flashengine-agent: HTTP status API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("flashengine-agent: HTTP server error: %v", err)
		}
	}()
	return srv
}

func runGRPCServer(addr string, store *statusStore) (*grpc.Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("flashengine-agent: listening on %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer()
	rpc.RegisterStatusServiceServer(grpcServer, rpc.NewStatusServer(store.Provider))
	reflection.Register(grpcServer)

	go func() {
		log.Printf("flashengine-agent: gRPC status service listening on %s", addr)
		if err := grpcServer.Serve(listener); err != nil {
			log.Printf("flashengine-agent: gRPC server stopped: %v", err)
		}
	}()
	return grpcServer, nil
}

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("flashengine-agent: loading config: %v", err)
	}

	httpListenAddr := *httpAddr
	if httpListenAddr == "" {
		httpListenAddr = cfg.AgentListenAddr
	}
	rpcListenAddr := *rpcAddr
	if rpcListenAddr == "" {
		rpcListenAddr = cfg.RPCListenAddr
	}

	store := &statusStore{}

	httpSrv := runHTTPServer(httpListenAddr, store)
	grpcSrv, err := runGRPCServer(rpcListenAddr, store)
	if err != nil {
		log.Fatalf("flashengine-agent: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("flashengine-agent: shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("flashengine-agent: HTTP shutdown error: %v", err)
	}
	grpcSrv.GracefulStop()

	log.Println("flashengine-agent: stopped")
}
