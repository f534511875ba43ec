package devicesync

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/interviewpilot/devicesync/internal"
	"github.com/interviewpilot/devicesync/live"
	"github.com/interviewpilot/devicesync/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization, X-Device-ID, X-Device-Type, X-Device-Name")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// API bundles the handlers behind the REST surface. The websocket handler owns
// the live sync machinery; the REST endpoints are thin wrappers over storage
// and the pairing cache.
type API struct {
	Store   *state.Storage
	Tokens  live.TokenVerifier
	Pairing *live.PairingCodes
	Sync    *live.SyncHandler
}

// Setup builds the HTTP routing tree.
func Setup(api *API, enablePrometheus bool) http.Handler {
	r := mux.NewRouter()
	r.Handle("/api/ws/session/{sessionID}", api.Sync)
	r.Handle("/api/mobile/generate-code", allowCORS(http.HandlerFunc(api.GenerateCode))).Methods("POST", "OPTIONS")
	r.Handle("/api/mobile/connect", allowCORS(http.HandlerFunc(api.MobileConnect))).Methods("POST", "OPTIONS")
	r.Handle("/api/devices/{deviceID}/sync-queue", allowCORS(http.HandlerFunc(api.PendingSyncQueue))).Methods("GET", "OPTIONS")
	if enablePrometheus {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

// RunSyncServer is the main entry point to the server. Blocks forever.
func RunSyncServer(api *API, bindAddr string, enablePrometheus bool) {
	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				if r.URL.Path == "/metrics" {
					return
				}
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
			func(next http.Handler) http.Handler {
				return otelhttp.NewHandler(next, "devicesync")
			},
		},
		final: Setup(api, enablePrometheus),
	}

	logger.Info().Msgf("listening on %s", bindAddr)
	if err := http.ListenAndServe(bindAddr, srv); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}

// GenerateCode mints a short-lived pairing code so a mobile device can join
// the caller's session without retyping credentials.
func (a *API) GenerateCode(w http.ResponseWriter, req *http.Request) {
	userID, herr := a.authenticate(req)
	if herr != nil {
		writeError(w, herr)
		return
	}
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.SessionID == "" {
		writeError(w, &internal.HandlerError{StatusCode: 400, Err: errMissingField("sessionId")})
		return
	}
	code, err := a.Pairing.Generate(userID, body.SessionID)
	if err != nil {
		logger.Err(err).Msg("failed to generate pairing code")
		writeError(w, &internal.HandlerError{StatusCode: 500, Err: err})
		return
	}
	writeJSON(w, 200, code)
}

// MobileConnect redeems a pairing code, handing back the session and device
// identity the mobile client should present on its websocket handshake.
func (a *API) MobileConnect(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Code == "" {
		writeError(w, &internal.HandlerError{StatusCode: 400, Err: errMissingField("code")})
		return
	}
	code, ok := a.Pairing.Redeem(body.Code)
	if !ok {
		writeError(w, internal.NewNotFoundError(errUnknownCode))
		return
	}
	writeJSON(w, 200, struct {
		SessionID  string `json:"sessionId"`
		DeviceID   string `json:"deviceId"`
		DeviceType string `json:"deviceType"`
	}{code.SessionID, code.DeviceID, "mobile"})
}

// PendingSyncQueue returns the device's not-yet-applied offline queue items,
// oldest sequence first.
func (a *API) PendingSyncQueue(w http.ResponseWriter, req *http.Request) {
	if _, herr := a.authenticate(req); herr != nil {
		writeError(w, herr)
		return
	}
	deviceID := mux.Vars(req)["deviceID"]
	rows, err := a.Store.SyncQueue.SelectPending(deviceID, 100)
	if err != nil {
		logger.Err(err).Str("device", deviceID).Msg("failed to read pending sync queue")
		writeError(w, &internal.HandlerError{StatusCode: 500, Err: err})
		return
	}
	if rows == nil {
		rows = []state.SyncQueueRow{}
	}
	writeJSON(w, 200, struct {
		Items []state.SyncQueueRow `json:"items"`
	}{rows})
}

func (a *API) authenticate(req *http.Request) (string, *internal.HandlerError) {
	ah := req.Header.Get("Authorization")
	if len(ah) < len("Bearer ") {
		return "", internal.NewUnauthorizedError(errNoToken)
	}
	userID, err := a.Tokens.VerifyToken(ah[len("Bearer "):])
	if err != nil {
		return "", internal.NewUnauthorizedError(err)
	}
	return userID, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, herr *internal.HandlerError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.StatusCode)
	w.Write(herr.JSON())
}

var (
	errNoToken     = fmt.Errorf("missing access token")
	errUnknownCode = fmt.Errorf("unknown or expired pairing code")
)

func errMissingField(name string) error {
	return fmt.Errorf("missing required field %q", name)
}
