package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/AndrewLester/netclock/internal/config"
	"github.com/AndrewLester/netclock/internal/ntp"
	"github.com/AndrewLester/netclock/internal/templates"
	"github.com/AndrewLester/netclock/pkg/netclock"
	"github.com/gorilla/websocket"
)

const defaultConfigPath = "/etc/netclock.conf"

type SyncRequest struct {
	Orig string
}

type SyncResponse struct {
	Orig, Recv, Xmt string
}

type EstimateMessage struct {
	Offset     float64 `json:"offset_ms"`
	Confidence float64 `json:"confidence"`
	State      string  `json:"state"`
	Servers    int     `json:"servers"`
	Stale      bool    `json:"stale"`
	Degraded   bool    `json:"degraded"`
	AsOf       int64   `json:"as_of"`
}

func estimateMessage(n netclock.Notification) EstimateMessage {
	return EstimateMessage{
		Offset:     float64(n.Offset) / float64(time.Millisecond),
		Confidence: n.Confidence,
		State:      n.State.String(),
		Servers:    n.Servers,
		Stale:      n.Stale,
		Degraded:   n.Degraded,
		AsOf:       n.AsOf.UnixMilli(),
	}
}

type site struct {
	engine   *netclock.Engine
	region   string
	upgrader websocket.Upgrader
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", defaultConfigPath, "Path to the config file (ntp.conf style, or .yaml).")
	flag.Parse()

	env, err := config.ParseEnv()
	if err != nil {
		log.Fatal(err)
	}

	cfg, err := netclock.ParseConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}
	if err := config.ResolveServers(&cfg, env.NTPPort); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := netclock.New(cfg)
	if err := engine.Start(context.Background()); err != nil {
		log.Fatal(err)
	}

	s := &site{engine: engine, region: strings.ToUpper(env.Region)}
	server := &http.Server{
		Addr:    net.JoinHostPort(env.SiteHost, env.SitePort),
		Handler: s.routes(),
	}

	log.Println("listening on", server.Addr)
	if err := serve(ctx, server, engine); err != nil {
		log.Fatal(err)
	}
}

const shutdownTimeout = 5 * time.Second

// serve answers HTTP until ctx is done or the listener fails, then stops the
// server and drains the engine before returning.
func serve(ctx context.Context, server *http.Server, engine *netclock.Engine) error {
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- server.ListenAndServe()
	}()

	var err error
	select {
	case err = <-listenErr:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(err, server.Shutdown(shutdownCtx), engine.Shutdown(shutdownCtx))
}

func (s *site) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/ws", s.handleWebsocket)
	return mux
}

func (s *site) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := map[string]string{
		"Region": s.region,
		"Time":   s.engine.Now().Format(time.RFC3339Nano),
	}

	// Set these headers to bump performance.now() precision to 5 microseconds
	headerMap := w.Header()
	headerMap.Add("Cross-Origin-Opener-Policy", "same-origin")
	headerMap.Add("Cross-Origin-Embedder-Policy", "require-corp")
	w.WriteHeader(200)

	templates.TemplateExecutor.ExecuteTemplate(w, "index.tmpl.html", data)
}

// handleSync answers with network time rather than the local clock.
func (s *site) handleSync(w http.ResponseWriter, r *http.Request) {
	var syncRequest SyncRequest
	err := json.NewDecoder(r.Body).Decode(&syncRequest)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	recv := strconv.FormatUint(uint64(ntp.TimestampFromTime(s.engine.Now())), 10)

	syncResponse := SyncResponse{
		Orig: syncRequest.Orig,
		Recv: recv,
		Xmt:  "",
	}

	encoder := json.NewEncoder(w)

	syncResponse.Xmt = strconv.FormatUint(uint64(ntp.TimestampFromTime(s.engine.Now())), 10)
	encoder.Encode(syncResponse)
}

// handleWebsocket streams estimate changes until the client goes away.
func (s *site) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := s.engine.Publisher().Subscribe(8)
	defer s.engine.Publisher().Unsubscribe(sub)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(estimateMessage(n)); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("websocket write failed: %v", err)
				}
				return
			}
		}
	}
}
