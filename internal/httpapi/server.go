package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"marketstream/internal/live"
	"marketstream/internal/stream"
	"marketstream/internal/symbol"
	"marketstream/internal/util"
)

// Streamer is the part of *stream.Manager the HTTP API uses.
type Streamer interface {
	live.Streamer
	Status() stream.Status
	CachedQuotes(asset stream.AssetClass, symbols []string) map[string]stream.Quote
	Reconnect(asset stream.AssetClass)
}

var _ Streamer = (*stream.Manager)(nil)

// Server serves the stream HTTP API.
type Server struct {
	streamer Streamer
	creds    stream.Credentials
	log      *slog.Logger

	// Limits /api/alpaca-keys (nil if unlimited).
	keysLimiter *util.RateLimiter

	upgrader websocket.Upgrader
}

// NewServer creates a new HTTP API server. creds are handed out by
// /api/alpaca-keys; keysRatePerMin <= 0 disables its rate limit.
func NewServer(streamer Streamer, creds stream.Credentials, keysRatePerMin int, log *slog.Logger) *Server {
	s := &Server{
		streamer: streamer,
		creds:    creds,
		log:      log.With("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if keysRatePerMin > 0 {
		s.keysLimiter = util.NewBurstRateLimiter(keysRatePerMin, keysRatePerMin)
	}
	return s
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	// Any method, so the handler can answer 405 with a JSON body.
	mux.HandleFunc("/api/alpaca-keys", s.handleAlpacaKeys)
	mux.HandleFunc("GET /api/stream/status", s.handleStatus)
	mux.HandleFunc("GET /api/quotes", s.handleQuotes)
	mux.HandleFunc("POST /api/stream/reconnect/{asset}", s.handleReconnect)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// splitSymbols parses a comma-separated query value.
func splitSymbols(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleAlpacaKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.keysLimiter != nil && !s.keysLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "Too many requests")
		return
	}
	if s.creds.Key == "" || s.creds.Secret == "" {
		writeError(w, http.StatusInternalServerError, "Alpaca API keys not configured")
		return
	}
	writeJSON(w, KeysResponse{Key: s.creds.Key, Secret: s.creds.Secret})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.streamer.Status())
}

// handleQuotes returns cached quotes. With neither stocks nor crypto given,
// every cached quote is returned.
func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stocks := symbol.Stocks(splitSymbols(q.Get("stocks")))
	crypto := symbol.Cryptos(splitSymbols(q.Get("crypto")))

	resp := QuotesResponse{
		Stocks: map[string]stream.Quote{},
		Crypto: map[string]stream.Quote{},
	}
	all := len(stocks) == 0 && len(crypto) == 0
	if all || len(stocks) > 0 {
		resp.Stocks = s.streamer.CachedQuotes(stream.Stock, stocks)
	}
	if all || len(crypto) > 0 {
		resp.Crypto = s.streamer.CachedQuotes(stream.Crypto, crypto)
	}
	writeJSON(w, resp)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	asset, ok := stream.ParseAssetClass(r.PathValue("asset"))
	if !ok {
		writeError(w, http.StatusBadRequest, "asset must be stock or crypto")
		return
	}
	s.log.Info("manual reconnect requested", "asset", asset)
	s.streamer.Reconnect(asset)
	writeJSON(w, ReconnectResponse{Asset: string(asset), Status: s.streamer.Status()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HealthResponse{Status: "ok", Time: time.Now().UTC().Format(time.RFC3339)})
}
